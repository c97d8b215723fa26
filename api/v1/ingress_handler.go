package v1

import (
	"bytes"
	_ "embed"
	"net/http"
	"strconv"
	"text/template"
	"time"

	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/karloscodes/cartridge"

	"crena/internal/config"
	"crena/internal/ingest"
	"crena/internal/jobs"
	"crena/internal/services"
	"crena/internal/sessions"
)

// 1x1 transparent GIF, the smallest valid payload a pixel tracker can return.
var transparentGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00,
	0x00, 0x00, 0x00, 0x00, 0xFF, 0xFF, 0xFF, 0x21, 0xF9, 0x04, 0x01, 0x00,
	0x00, 0x00, 0x00, 0x2C, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00,
	0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3B,
}

//go:embed script.js
var trackerScript string

// ScriptEventParams is the JSON body posted by the tracker script.
type ScriptEventParams struct {
	Location    string   `json:"location"`
	Referrer    string   `json:"referrer"`
	LoadTime    *float64 `json:"loadTime"`
	Idempotency string   `json:"idempotency"`
	Identifier  string   `json:"identifier"`
}

// IngressHandler serves the public collection endpoints. Events are
// acknowledged immediately and processed by the dispatcher workers.
type IngressHandler struct {
	dispatcher *jobs.Dispatcher
	dbManager  cartridge.DBManager
	cfg        *config.Config
	logger     *slog.Logger
}

func NewIngressHandler(dispatcher *jobs.Dispatcher, dbManager cartridge.DBManager, cfg *config.Config, logger *slog.Logger) *IngressHandler {
	return &IngressHandler{
		dispatcher: dispatcher,
		dbManager:  dbManager,
		cfg:        cfg,
		logger:     logger,
	}
}

// PixelAction handles GET /ingress/:uuid/pixel.gif. The gif is returned
// unconditionally so broken embeds never surface to visitors.
func (h *IngressHandler) PixelAction(c *fiber.Ctx) error {
	h.dispatcher.Dispatch(&ingest.Event{
		ServiceUUID:    c.Params("uuid"),
		Tracker:        sessions.TrackerPixel,
		Timestamp:      time.Now(),
		Payload:        ingest.Payload{Location: c.Get("Referer")},
		ClientIP:       getClientIP(c),
		Origin:         c.Get("Origin"),
		ReferrerHeader: c.Get("Referer"),
		UserAgent:      c.Get("User-Agent"),
		DNT:            readDNT(c),
		Identifier:     c.Query("identifier"),
	})

	c.Set("Content-Type", "image/gif")
	c.Set("Cache-Control", "no-store, private")
	c.Set("Access-Control-Allow-Origin", "*")
	return c.Send(transparentGIF)
}

// ScriptAction handles POST /ingress/:uuid/script. Malformed bodies are
// acknowledged like everything else; the tracker cannot do anything useful
// with an error response.
func (h *IngressHandler) ScriptAction(c *fiber.Ctx) error {
	var params ScriptEventParams
	if err := c.BodyParser(&params); err != nil {
		h.logger.Debug("Discarding unparseable script payload",
			slog.String("service", c.Params("uuid")),
			slog.Any("error", err))
		return c.Status(http.StatusAccepted).JSON(fiber.Map{"status": "ok"})
	}

	identifier := params.Identifier
	if identifier == "" {
		identifier = c.Query("identifier")
	}

	h.dispatcher.Dispatch(&ingest.Event{
		ServiceUUID: c.Params("uuid"),
		Tracker:     sessions.TrackerScript,
		Timestamp:   time.Now(),
		Payload: ingest.Payload{
			Location:    params.Location,
			Referrer:    params.Referrer,
			LoadTime:    params.LoadTime,
			Idempotency: params.Idempotency,
		},
		ClientIP:       getClientIP(c),
		Origin:         c.Get("Origin"),
		ReferrerHeader: c.Get("Referer"),
		UserAgent:      c.Get("User-Agent"),
		DNT:            readDNT(c),
		Identifier:     identifier,
	})

	return c.Status(http.StatusAccepted).JSON(fiber.Map{"status": "ok"})
}

// TrackerScriptAction handles GET /ingress/:uuid/script.js, rendering the
// tracker with the service's endpoint baked in plus any per-service inject
// snippet.
func (h *IngressHandler) TrackerScriptAction(c *fiber.Ctx) error {
	serviceUUID := c.Params("uuid")

	svc, err := services.GetActiveByUUID(h.dbManager.GetConnection(), serviceUUID)
	if err != nil {
		h.logger.Debug("Tracker script requested for unknown service",
			slog.String("service", serviceUUID))
		return c.Status(http.StatusNotFound).SendString("// unknown service\n")
	}

	tmpl, err := template.New("script.js").Parse(trackerScript)
	if err != nil {
		h.logger.Error("Failed to parse tracker template", slog.Any("error", err))
		return c.SendStatus(http.StatusInternalServerError)
	}

	var buf bytes.Buffer
	data := map[string]string{
		"IngressURL":         c.BaseURL() + "/ingress/" + svc.UUID,
		"HeartbeatFrequency": strconv.Itoa(h.cfg.HeartbeatFrequencyMs),
		"ScriptInject":       svc.ScriptInject,
	}
	if err := tmpl.Execute(&buf, data); err != nil {
		h.logger.Error("Failed to render tracker template", slog.Any("error", err))
		return c.SendStatus(http.StatusInternalServerError)
	}

	content := buf.Bytes()
	etag := generateETag(content)
	if c.Get("If-None-Match") == etag {
		return c.Status(http.StatusNotModified).Send(nil)
	}

	c.Set("Content-Type", "application/javascript")
	c.Set("Cache-Control", "public, max-age=3600")
	c.Set("ETag", etag)
	c.Set("Cross-Origin-Resource-Policy", "cross-origin")
	return c.Send(content)
}
