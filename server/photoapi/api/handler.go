package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"photo_server/server/catalog/domain"
	commonlog "photo_server/server/common/log"
	"photo_server/server/common/transport/httpresp"
	ingest "photo_server/server/ingest/service"
	synthesis "photo_server/server/synthesis/service"
)

const (
	defaultListCount  = 5
	maxListCount      = 100
	defaultMaxUpload  = 32 << 20
	multipartMemLimit = 8 << 20
)

type Ingester interface {
	Enqueue(ctx context.Context, up ingest.Upload) (domain.ImageRecord, error)
}

type Retriever interface {
	Retrieve(ctx context.Context, question string, k int) (domain.RetrievalResult, error)
}

type Synthesizer interface {
	Synthesize(ctx context.Context, result domain.RetrievalResult, question string) <-chan synthesis.Chunk
}

type RecordReader interface {
	Get(ctx context.Context, id string) (domain.ImageRecord, error)
	ListRecent(ctx context.Context, limit int) ([]domain.ImageRecord, error)
}

type Handler struct {
	ingest         Ingester
	retrieval      Retriever
	relay          Synthesizer
	records        RecordReader
	maxUploadBytes int64
}

func NewHandler(ingest Ingester, retrieval Retriever, relay Synthesizer, records RecordReader, maxUploadBytes int64) *Handler {
	if maxUploadBytes <= 0 {
		maxUploadBytes = defaultMaxUpload
	}
	return &Handler{ingest: ingest, retrieval: retrieval, relay: relay, records: records, maxUploadBytes: maxUploadBytes}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	{
		api.GET("/ping", h.ping)
		api.POST("/upload", h.upload)
		api.POST("/ask", h.ask)
		api.GET("/ask/ws", h.askWS)
		api.GET("/image_metadata/:id", h.imageMetadata)
		api.GET("/image_vector/:id", h.imageVector)
		api.GET("/photos", h.listPhotos)
	}
}

func (h *Handler) ping(c *gin.Context) {
	c.JSON(http.StatusOK, httpresp.NewMessageResponse(httpresp.MsgPong))
}

func (h *Handler) upload(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes)
	if err := c.Request.ParseMultipartForm(multipartMemLimit); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, httpresp.NewErrorResponse(err.Error()))
			return
		}
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(err.Error()))
		return
	}
	fh, err := c.FormFile("file")
	if err != nil || strings.TrimSpace(fh.Filename) == "" {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(httpresp.ErrMissingFile))
		return
	}
	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(err.Error()))
		return
	}
	data, err := io.ReadAll(f)
	_ = f.Close()
	if err != nil {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(err.Error()))
		return
	}

	rec, err := h.ingest.Enqueue(c.Request.Context(), ingest.Upload{
		Data:      data,
		Filename:  fh.Filename,
		Location:  c.PostForm("location"),
		Timestamp: c.PostForm("timestamp"),
	})
	if err != nil {
		writeError(c, err, httpresp.ErrInternal)
		return
	}
	c.JSON(http.StatusOK, httpresp.NewUploadResponse(fh.Filename, rec.ID))
}

func (h *Handler) imageMetadata(c *gin.Context) {
	includeDescription, err := boolQuery(c, "include_description", true)
	if err != nil {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(err.Error()))
		return
	}
	includeVector, err := boolQuery(c, "include_vector", false)
	if err != nil {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(err.Error()))
		return
	}
	if !includeDescription && !includeVector {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(httpresp.ErrNoFieldsRequested))
		return
	}

	rec, ok := h.lookup(c, httpresp.ErrImageNotFound)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, newMetadataView(rec, includeDescription, includeVector))
}

func (h *Handler) imageVector(c *gin.Context) {
	rec, ok := h.lookup(c, httpresp.ErrImageVectorNotFound)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, vectorView{ImageID: rec.ID, Vector: rec.Embedding})
}

func (h *Handler) listPhotos(c *gin.Context) {
	count := defaultListCount
	if raw := strings.TrimSpace(c.Query("count")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse("count must be a positive integer"))
			return
		}
		count = min(n, maxListCount)
	}
	recs, err := h.records.ListRecent(c.Request.Context(), count)
	if err != nil {
		writeError(c, err, httpresp.ErrInternal)
		return
	}
	items := make([]photoView, 0, len(recs))
	for _, rec := range recs {
		items = append(items, newPhotoView(rec))
	}
	c.JSON(http.StatusOK, gin.H{"photos": items})
}

// lookup resolves :id. Malformed identifiers are reported like unknown ones.
func (h *Handler) lookup(c *gin.Context, notFound string) (domain.ImageRecord, bool) {
	id := strings.TrimSpace(c.Param("id"))
	if _, err := uuid.Parse(id); err != nil {
		c.JSON(http.StatusNotFound, httpresp.NewErrorResponse(notFound))
		return domain.ImageRecord{}, false
	}
	rec, err := h.records.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err, notFound)
		return domain.ImageRecord{}, false
	}
	return rec, true
}

func boolQuery(c *gin.Context, key string, fallback bool) (bool, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, errors.New(key + " must be a boolean")
	}
	return v, nil
}

// writeError maps domain errors onto status codes. notFound is the message
// used for ErrNotFound; internal details are logged, never returned.
func writeError(c *gin.Context, err error, notFound string) {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(verr.Reason))
	case errors.Is(err, domain.ErrValidation):
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(err.Error()))
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, httpresp.NewErrorResponse(notFound))
	default:
		commonlog.Errorf("event=http status=failed method=%s path=%s error=%v", c.Request.Method, c.FullPath(), err)
		c.JSON(http.StatusInternalServerError, httpresp.NewErrorResponse(httpresp.ErrInternal))
	}
}
