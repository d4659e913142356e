package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"photo_server/server/catalog/domain"
	commonlog "photo_server/server/common/log"
	"photo_server/server/common/transport/httpresp"
	synthesis "photo_server/server/synthesis/service"
)

const (
	EventMessage = "message"
	EventDone    = "done"
	EventError   = "error"
)

type askRequest struct {
	Question  string `json:"question"`
	Count     int    `json:"count"`
	MaxImages int    `json:"max_images"`
}

func (r askRequest) toQuery() domain.QueryRequest {
	count := r.Count
	if count == 0 {
		count = r.MaxImages
	}
	return domain.QueryRequest{Question: strings.TrimSpace(r.Question), Count: count}
}

// prepare retrieves the images for a question. A nil stream with a nil error
// means nothing relevant was found.
func (h *Handler) prepare(ctx context.Context, q domain.QueryRequest) (<-chan synthesis.Chunk, error) {
	if q.Question == "" {
		return nil, domain.NewValidationError("question", httpresp.ErrInvalidQuestion)
	}
	result, err := h.retrieval.Retrieve(ctx, q.Question, q.Count)
	if err != nil {
		return nil, err
	}
	if result.Empty() {
		return nil, nil
	}
	return h.relay.Synthesize(ctx, result, q.Question), nil
}

func (h *Handler) ask(c *gin.Context) {
	var req askRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(err.Error()))
		return
	}
	chunks, err := h.prepare(c.Request.Context(), req.toQuery())
	if err != nil {
		writeError(c, err, httpresp.ErrInternal)
		return
	}
	if chunks == nil {
		c.JSON(http.StatusOK, httpresp.NewMessageResponse(httpresp.MsgNoRelevantHits))
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()
	// chunks closes on its own when the client goes away.
	for chunk := range chunks {
		switch chunk.Kind {
		case synthesis.ChunkText:
			c.SSEvent(EventMessage, sseData{Text: chunk.Text})
		case synthesis.ChunkDone:
			c.SSEvent(EventDone, sseData{})
		case synthesis.ChunkNoResults:
			c.SSEvent(EventMessage, sseData{Text: chunk.Text})
			c.SSEvent(EventDone, sseData{})
		default:
			c.SSEvent(EventError, sseData{Text: chunk.Text})
		}
		c.Writer.Flush()
		if chunk.Terminal() {
			return
		}
	}
}

// sseData is JSON encoded so leading spaces and newlines in a chunk survive
// the event-stream framing.
type sseData struct {
	Text string `json:"text"`
}

type wsFrame struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// askWS answers one question per text frame until the client hangs up.
func (h *Handler) askWS(c *gin.Context) {
	// Upgrade has already answered the client when it fails.
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		commonlog.Warnf("event=ask_ws status=upgrade_failed error=%v", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req askRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			writeFrame(conn, wsFrame{Type: EventError, Text: "invalid request payload"})
			continue
		}
		if !h.answerWS(ctx, conn, req.toQuery()) {
			return
		}
	}
}

func (h *Handler) answerWS(ctx context.Context, conn *websocket.Conn, q domain.QueryRequest) bool {
	// Cancelled on return so a failed write also stops the upstream call.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	chunks, err := h.prepare(ctx, q)
	if err != nil {
		var verr *domain.ValidationError
		msg := httpresp.ErrInternal
		if errors.As(err, &verr) {
			msg = verr.Reason
		} else {
			commonlog.Errorf("event=ask_ws status=failed error=%v", err)
		}
		return writeFrame(conn, wsFrame{Type: EventError, Text: msg})
	}
	if chunks == nil {
		return writeFrame(conn, wsFrame{Type: EventMessage, Text: httpresp.MsgNoRelevantHits})
	}

	for chunk := range chunks {
		var frame wsFrame
		switch chunk.Kind {
		case synthesis.ChunkText:
			frame = wsFrame{Type: "chunk", Text: chunk.Text}
		case synthesis.ChunkDone:
			frame = wsFrame{Type: EventDone}
		case synthesis.ChunkNoResults:
			frame = wsFrame{Type: EventMessage, Text: chunk.Text}
		default:
			frame = wsFrame{Type: EventError, Text: chunk.Text}
		}
		if !writeFrame(conn, frame) {
			return false
		}
	}
	return true
}

func writeFrame(conn *websocket.Conn, frame wsFrame) bool {
	b, _ := json.Marshal(frame)
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b) == nil
}
