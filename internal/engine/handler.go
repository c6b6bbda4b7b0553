package engine

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"recordapi/internal/logutil"
	"recordapi/internal/metadata"
	"recordapi/internal/realtime"
)

type Handler struct {
	engine    *Engine
	log       *zap.Logger
	heartbeat time.Duration
}

func NewHandler(e *Engine, log *zap.Logger, heartbeat time.Duration) *Handler {
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	return &Handler{engine: e, log: logutil.OrNop(log), heartbeat: heartbeat}
}

// List handles GET /api/records/v1/:name
func (h *Handler) List(c *fiber.Ctx) error {
	res, err := h.engine.List(c.UserContext(), h.request(c))
	if err != nil {
		return err
	}
	return c.JSON(res)
}

// Read handles GET /api/records/v1/:name/:id
func (h *Handler) Read(c *fiber.Ctx) error {
	rec, err := h.engine.Read(c.UserContext(), h.request(c))
	if err != nil {
		return err
	}
	return c.JSON(rec)
}

// Create handles POST /api/records/v1/:name
func (h *Handler) Create(c *fiber.Ctx) error {
	res, err := h.engine.Create(c.UserContext(), h.request(c))
	if err != nil {
		return err
	}
	return c.JSON(res)
}

// Update handles PATCH /api/records/v1/:name/:id
func (h *Handler) Update(c *fiber.Ctx) error {
	if err := h.engine.Update(c.UserContext(), h.request(c)); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusOK)
}

// Delete handles DELETE /api/records/v1/:name/:id
func (h *Handler) Delete(c *fiber.Ctx) error {
	if err := h.engine.Delete(c.UserContext(), h.request(c)); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusOK)
}

// Schema handles GET /api/records/v1/:name/schema
func (h *Handler) Schema(c *fiber.Ctx) error {
	mode, err := ParseSchemaMode(c.Query("mode"))
	if err != nil {
		return err
	}
	schema, err := h.engine.Schema(c.UserContext(), h.request(c), mode)
	if err != nil {
		return err
	}
	return c.JSON(schema)
}

// Subscribe handles GET /api/records/v1/:name/subscribe/:id as a server-sent
// event stream. The stream ends when the client goes away or the
// subscription is closed by the server.
func (h *Handler) Subscribe(c *fiber.Ctx) error {
	sub, err := h.engine.Subscribe(c.UserContext(), h.request(c))
	if err != nil {
		return err
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	log := logutil.FromCtx(c).With(zap.String("subscription", sub.ID.String()))
	heartbeat := h.heartbeat
	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer sub.Close()
		streamEvents(w, sub, heartbeat, log)
	}))
	return nil
}

func streamEvents(w *bufio.Writer, sub *realtime.Subscription, heartbeat time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	if err := writeEvent(w, "", []byte(fmt.Sprintf(`{"subscription":%q}`, sub.ID))); err != nil {
		return
	}
	for {
		select {
		case msg := <-sub.Events():
			if err := writeEvent(w, "", msg); err != nil {
				log.Debug("subscriber disconnected", zap.Error(err))
				return
			}
		case <-ticker.C:
			if _, err := w.WriteString(": ping\n\n"); err != nil {
				return
			}
			if err := w.Flush(); err != nil {
				log.Debug("subscriber disconnected", zap.Error(err))
				return
			}
		case <-sub.Done():
			if err := sub.Err(); err != nil {
				b, _ := json.Marshal(map[string]string{"error": err.Error()})
				_ = writeEvent(w, "error", b)
				log.Info("subscription closed", zap.Error(err))
			}
			return
		}
	}
}

func writeEvent(w *bufio.Writer, event string, data []byte) error {
	if event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return w.Flush()
}

func (h *Handler) request(c *fiber.Ctx) Request {
	return Request{
		API:         c.Params("name"),
		User:        getUser(c),
		RecordID:    c.Params("id"),
		Query:       string(c.Request().URI().QueryString()),
		ContentType: string(c.Request().Header.ContentType()),
		Body:        c.Body(),
	}
}

func getUser(c *fiber.Ctx) *metadata.UserContext {
	user, _ := c.Locals("user").(*metadata.UserContext)
	return user
}

// NewErrorHandler renders AppErrors as {"error": {...}} and hides everything
// else behind INTERNAL_ERROR.
func NewErrorHandler(log *zap.Logger) fiber.ErrorHandler {
	log = logutil.OrNop(log)
	return func(c *fiber.Ctx, err error) error {
		var appErr *AppError
		if errors.As(err, &appErr) {
			return c.Status(appErr.Status).JSON(ErrorResponse{Error: appErr})
		}

		var fiberErr *fiber.Error
		if errors.As(err, &fiberErr) {
			return c.Status(fiberErr.Code).JSON(ErrorResponse{
				Error: &AppError{Code: httpCode(fiberErr.Code), Message: fiberErr.Message},
			})
		}

		log.Error("unhandled error", zap.String("path", c.Path()), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{Error: InternalError()})
	}
}

func httpCode(status int) string {
	switch status {
	case fiber.StatusNotFound:
		return "NOT_FOUND"
	case fiber.StatusMethodNotAllowed:
		return "METHOD_NOT_ALLOWED"
	case fiber.StatusRequestEntityTooLarge:
		return "PAYLOAD_TOO_LARGE"
	case fiber.StatusUnauthorized:
		return "UNAUTHORIZED"
	default:
		if status >= 500 {
			return "INTERNAL_ERROR"
		}
		return "BAD_REQUEST"
	}
}
