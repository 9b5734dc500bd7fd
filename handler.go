package main

import (
	"context"
	"errors"
	"time"

	"row-to-column/cache"
	"row-to-column/catalog"
	"row-to-column/encoder"
	"row-to-column/models"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

const healthRedisTimeout = 2 * time.Second

// WorkerView is the read side of the worker used by the HTTP handlers.
type WorkerView interface {
	Status() models.WorkerStatus
	Relations() []catalog.Relation
}

// Handler serves the status endpoints.
type Handler struct {
	worker  WorkerView
	store   *cache.StatusStore
	encoder *encoder.Encoder
	maxAge  time.Duration
	log     *logrus.Entry

	// streamIdle reports how long the replication connection has been
	// silent. Nil outside stream mode.
	streamIdle func() time.Duration
	now        func() time.Time
}

// NewHandler creates a Handler. store may be nil, in which case /health and
// /status use the in-process status instead of Redis.
func NewHandler(w WorkerView, store *cache.StatusStore, enc *encoder.Encoder, maxAge time.Duration, log *logrus.Entry) *Handler {
	return &Handler{
		worker:  w,
		store:   store,
		encoder: enc,
		maxAge:  maxAge,
		log:     log,
		now:     time.Now,
	}
}

// SetStreamIdle makes /health fail when the replication stream goes quiet.
func (h *Handler) SetStreamIdle(f func() time.Duration) {
	h.streamIdle = f
}

func (h *Handler) Register(app *fiber.App) {
	app.Get("/health", h.Health)
	app.Get("/status", h.Status)
	app.Get("/relations", h.Relations)
}

func (h *Handler) Health(c *fiber.Ctx) error {
	status := h.worker.Status()
	resp := models.HealthResponse{Status: "ok", Component: serviceName}

	lastCycle, age, err := h.lastCycle(status)
	if err != nil {
		h.log.WithError(err).Warn("Health check could not read heartbeat")
		resp.Status = "error"
		resp.Error = err.Error()
		return c.Status(fiber.StatusServiceUnavailable).JSON(resp)
	}

	resp.LastCycleAt = lastCycle.UTC().Format(time.RFC3339)
	resp.Age = age.Truncate(time.Second).String()

	switch {
	case age > h.maxAge:
		resp.Error = "heartbeat is too old"
	case status.State == models.StateFailing:
		resp.Error = status.LastError
	case h.streamIdle != nil && h.streamIdle() > h.maxAge:
		resp.Error = "stale replication"
	default:
		return c.Status(fiber.StatusOK).JSON(resp)
	}
	resp.Status = "error"
	return c.Status(fiber.StatusServiceUnavailable).JSON(resp)
}

func (h *Handler) lastCycle(status models.WorkerStatus) (time.Time, time.Duration, error) {
	now := h.now()
	if h.store == nil {
		if status.LastCycleAt.IsZero() {
			return time.Time{}, 0, errors.New("no cycle completed yet")
		}
		return status.LastCycleAt, now.Sub(status.LastCycleAt), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), healthRedisTimeout)
	defer cancel()

	hb, err := h.store.Heartbeat(ctx)
	if err != nil {
		return time.Time{}, 0, err
	}
	return time.Unix(hb.LastHeartbeat, 0), hb.Age(now), nil
}

// Status serves the snapshot last reported to Redis when a store is
// configured, and the in-process status otherwise or when the snapshot
// cannot be read.
func (h *Handler) Status(c *fiber.Ctx) error {
	status := h.worker.Status()
	if h.store == nil {
		return c.JSON(status)
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), healthRedisTimeout)
	defer cancel()

	stored, err := h.store.Status(ctx, status.Slot)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			h.log.WithError(err).Warn("Failed to load status snapshot")
		}
		return c.JSON(status)
	}
	return c.JSON(stored)
}

func (h *Handler) Relations(c *fiber.Ctx) error {
	rels := h.worker.Relations()
	out := make([]models.RelationInfo, 0, len(rels))
	for i := range rels {
		rel := &rels[i]
		info := models.RelationInfo{
			ID:        rel.ID,
			Namespace: rel.Namespace,
			Name:      rel.Name,
			Kind:      rel.Kind.String(),
			Columns:   make([]models.ColumnInfo, 0, len(rel.Columns)),
		}
		if rel.Kind == catalog.KindShadow {
			info.Twin = h.encoder.TwinName(rel)
		}
		for _, col := range rel.Columns {
			info.Columns = append(info.Columns, models.ColumnInfo{
				Name:    col.Name,
				TypeOID: col.TypeOID,
				Key:     col.Key,
			})
		}
		out = append(out, info)
	}
	return c.JSON(out)
}
