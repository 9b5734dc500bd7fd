package ddl

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"row-to-column/encoder"
	"row-to-column/replay"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

const (
	captureFunction = "row_to_column_capture_ddl"
	captureTrigger  = "row_to_column_ddl"
)

// Table is a schema-qualified row-store table.
type Table struct {
	Schema string
	Name   string
}

func (t Table) String() string {
	return t.Schema + "." + t.Name
}

// InstallerConfig names the objects created in the source database.
type InstallerConfig struct {
	RelayTable  string
	Publication string
}

// Installer prepares the source database: the relay relation, the DDL
// capture event trigger, the publication, and twins for existing tables.
// Every step can be run again without effect.
type Installer struct {
	config    InstallerConfig
	source    *pgxpool.Pool
	store     replay.Store
	rewriter  *Rewriter
	admission *Admission
	log       *logrus.Entry
}

func NewInstaller(cfg InstallerConfig, source *pgxpool.Pool, store replay.Store, rewriter *Rewriter, admission *Admission, log *logrus.Entry) *Installer {
	if cfg.RelayTable == "" {
		cfg.RelayTable = "ddl_queue"
	}
	if cfg.Publication == "" {
		cfg.Publication = "row_to_column"
	}
	return &Installer{
		config:    cfg,
		source:    source,
		store:     store,
		rewriter:  rewriter,
		admission: admission,
		log:       log,
	}
}

// Install runs every setup step.
func (i *Installer) Install(ctx context.Context) error {
	for _, stmt := range i.setupStatements() {
		if _, err := i.source.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("setup statement %q: %w", firstLine(stmt), err)
		}
	}

	if err := i.ensurePublication(ctx); err != nil {
		return err
	}

	tables, err := i.existingTables(ctx)
	if err != nil {
		return err
	}
	published, err := i.publishedTables(ctx)
	if err != nil {
		return err
	}

	relay := i.relayTable()
	if _, ok := published[relay]; !ok {
		if err := i.addToPublication(ctx, relay); err != nil {
			return err
		}
	}

	var twins []string
	for _, t := range tables {
		if !i.admission.Enroll(t.Schema, t.Name) {
			continue
		}
		if _, ok := published[t]; !ok {
			if err := i.addToPublication(ctx, t); err != nil {
				return err
			}
		}
		stmt, err := i.TwinStatement(t)
		if err != nil {
			i.log.WithError(err).WithField("table", t.String()).Warn("Skipping twin creation")
			continue
		}
		twins = append(twins, stmt)
	}

	return i.createTwins(ctx, twins)
}

// TwinStatement returns the CREATE statement for the columnar twin of t.
func (i *Installer) TwinStatement(t Table) (string, error) {
	name := quoteName(t)
	rec, err := i.rewriter.Rewrite(fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (LIKE %s)", name, name))
	if err != nil {
		return "", err
	}
	return rec.Statement, nil
}

func (i *Installer) createTwins(ctx context.Context, stmts []string) error {
	if len(stmts) == 0 {
		return nil
	}
	tx, err := i.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin twin creation: %w", err)
	}
	for _, stmt := range stmts {
		if err := tx.Exec(ctx, stmt); err != nil {
			return errors.Join(fmt.Errorf("create twin %q: %w", stmt, err), tx.Rollback(ctx))
		}
		i.log.WithField("statement", stmt).Info("Columnar twin ensured")
	}
	return tx.Commit(ctx)
}

func (i *Installer) ensurePublication(ctx context.Context) error {
	var exists bool
	err := i.source.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pg_publication WHERE pubname = $1)`, i.config.Publication).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check publication: %w", err)
	}
	if exists {
		return nil
	}
	if _, err := i.source.Exec(ctx, "CREATE PUBLICATION "+pq.QuoteIdentifier(i.config.Publication)); err != nil {
		return fmt.Errorf("create publication: %w", err)
	}
	i.log.WithField("publication", i.config.Publication).Info("Created publication")
	return nil
}

func (i *Installer) addToPublication(ctx context.Context, t Table) error {
	stmt := fmt.Sprintf("ALTER PUBLICATION %s ADD TABLE %s", pq.QuoteIdentifier(i.config.Publication), quoteName(t))
	if _, err := i.source.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("publish %s: %w", t, err)
	}
	i.log.WithField("table", t.String()).Info("Table added to publication")
	return nil
}

func (i *Installer) existingTables(ctx context.Context) ([]Table, error) {
	rows, err := i.source.Query(ctx, `SELECT table_schema::text, table_name::text FROM information_schema.tables WHERE table_type = 'BASE TABLE' ORDER BY 1, 2`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	tables, err := pgx.CollectRows(rows, pgx.RowToStructByPos[Table])
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	return tables, nil
}

func (i *Installer) publishedTables(ctx context.Context) (map[Table]struct{}, error) {
	rows, err := i.source.Query(ctx, `SELECT schemaname::text, tablename::text FROM pg_publication_tables WHERE pubname = $1`, i.config.Publication)
	if err != nil {
		return nil, fmt.Errorf("list published tables: %w", err)
	}
	tables, err := pgx.CollectRows(rows, pgx.RowToStructByPos[Table])
	if err != nil {
		return nil, fmt.Errorf("list published tables: %w", err)
	}
	out := make(map[Table]struct{}, len(tables))
	for _, t := range tables {
		out[t] = struct{}{}
	}
	return out, nil
}

func (i *Installer) relayTable() Table {
	if schema, name, ok := strings.Cut(i.config.RelayTable, "."); ok {
		return Table{Schema: schema, Name: name}
	}
	return Table{Schema: "public", Name: i.config.RelayTable}
}

// setupStatements creates the relay relation and the capture trigger. The
// trigger applies the same rename, directive and admission rules as Rewriter
// and Admission, inside the DDL's own transaction so the relay row is ordered
// before any row written to the new table.
func (i *Installer) setupStatements() []string {
	relay := i.relayTable()
	suffix := pq.QuoteLiteral(i.rewriter.Suffix())

	excluded := make([]string, 0, len(i.admission.ExcludedSchemas()))
	for _, s := range i.admission.ExcludedSchemas() {
		excluded = append(excluded, pq.QuoteLiteral(s))
	}

	function := fmt.Sprintf(captureFunctionTemplate,
		pq.QuoteIdentifier(captureFunction),
		suffix,
		pq.QuoteLiteral(relay.Name),
		strings.Join(excluded, ", "),
		pq.QuoteLiteral(i.rewriter.directive),
		quoteName(relay),
		pq.QuoteLiteral(i.config.Publication),
	)

	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id bigserial PRIMARY KEY,
	kind text NOT NULL,
	ddl text NOT NULL,
	created_at timestamptz NOT NULL DEFAULT now()
)`, quoteName(relay)),
		function,
		"DROP EVENT TRIGGER IF EXISTS " + pq.QuoteIdentifier(captureTrigger),
		fmt.Sprintf("CREATE EVENT TRIGGER %s ON ddl_command_end WHEN TAG IN ('CREATE TABLE', 'ALTER TABLE') EXECUTE FUNCTION %s()",
			pq.QuoteIdentifier(captureTrigger), pq.QuoteIdentifier(captureFunction)),
	}
}

// Patterns evaluated by the capture function. They stay within the syntax
// shared by PostgreSQL AREs and RE2 and contain no single quotes.
const (
	captureStripRe      = `;?\s*$`
	captureEscapeRe     = `([.$^*+?()\[\]{}|\\])`
	captureRenameRe     = `\sRENAME\s+TO\s`
	captureRenameHeadRe = `^(\s*ALTER\s+TABLE\s+(?:IF\s+EXISTS\s+)?(?:ONLY\s+)?(?:[A-Za-z0-9_$"]+\s*\.\s*)?"?[A-Za-z0-9_$]+)("?\s+RENAME\s+TO\s+"?`
	captureRenameTailRe = `)("?)$`
	captureTargetHeadRe = `(TABLE\s+(?:IF\s+NOT\s+EXISTS\s+|IF\s+EXISTS\s+)?(?:ONLY\s+)?(?:[A-Za-z0-9_$"]+\s*\.\s*)?"?`
	captureTargetTailRe = `)("?)([\s(]|$)`
	capturePartitionRe  = `\)\s*PARTITION\s+BY\s`
	captureUsingRe      = `\)\s*USING\s`
	captureStorageRe    = `\)(\s+(?:WITH\s*\(|WITHOUT\s+OIDS|ON\s+COMMIT\s|TABLESPACE\s))`
)

// Arguments: function name, suffix, relay name, excluded schemas, directive,
// relay table, publication.
const captureFunctionTemplate = `CREATE OR REPLACE FUNCTION %[1]s() RETURNS event_trigger
LANGUAGE plpgsql AS $fn$
DECLARE
	cmd record;
	tbl text;
	pat text;
	src text;
	stmt text;
BEGIN
	src := regexp_replace(current_query(), '` + captureStripRe + `', '');
	FOR cmd IN SELECT * FROM pg_event_trigger_ddl_commands() WHERE object_type = 'table'
	LOOP
		SELECT c.relname INTO tbl FROM pg_class c WHERE c.oid = cmd.objid;
		IF tbl IS NULL
			OR lower(right(tbl, length(%[2]s))) = lower(%[2]s)
			OR tbl = %[3]s
			OR cmd.schema_name = ANY (ARRAY[%[4]s]::text[])
			OR cmd.schema_name LIKE 'pg_temp%%' THEN
			CONTINUE;
		END IF;

		pat := regexp_replace(tbl, '` + captureEscapeRe + `', '\\\1', 'g');

		-- After RENAME TO, relname is already the new name.
		IF src ~* '` + captureRenameRe + `' THEN
			stmt := regexp_replace(src, '` + captureRenameHeadRe + `' || pat || '` + captureRenameTailRe + `',
				'\1' || %[2]s || '\2' || %[2]s || '\3', 'i');
		ELSE
			stmt := regexp_replace(src, '` + captureTargetHeadRe + `' || pat || '` + captureTargetTailRe + `',
				'\1' || %[2]s || '\2\3', 'i');
		END IF;

		IF stmt = src THEN
			RAISE WARNING 'row_to_column: %% not relayed, statement form not recognised', cmd.object_identity;
			CONTINUE;
		END IF;

		IF cmd.command_tag = 'CREATE TABLE' THEN
			IF stmt ~* '` + capturePartitionRe + `' THEN
				RAISE WARNING 'row_to_column: %% not relayed, partitioned tables are not mirrored', cmd.object_identity;
				CONTINUE;
			END IF;
			IF stmt !~* '` + captureUsingRe + `' THEN
				IF stmt ~* '` + captureStorageRe + `' THEN
					stmt := regexp_replace(stmt, '` + captureStorageRe + `', ') ' || %[5]s || '\1', 'i');
				ELSE
					stmt := stmt || ' ' || %[5]s;
				END IF;
			END IF;
			EXECUTE format('ALTER PUBLICATION %%I ADD TABLE %%I.%%I', %[7]s, cmd.schema_name, tbl);
		END IF;

		INSERT INTO %[6]s (kind, ddl) VALUES (cmd.command_tag, stmt || ';');
	END LOOP;
END;
$fn$`

func quoteName(t Table) string {
	return encoder.Identifier(t.Schema) + "." + encoder.Identifier(t.Name)
}

func firstLine(s string) string {
	if line, _, ok := strings.Cut(s, "\n"); ok {
		return line
	}
	return s
}
