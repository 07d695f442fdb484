// Package httpapi exposes the key-value store over HTTP.
package httpapi

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/edwardaux/fmdb/internal/store"
)

type putRequest struct {
	Value string `json:"value"`
}

type batchResponse struct {
	Applied int `json:"applied"`
}

// Router builds the gin engine serving the store.
func Router(log *slog.Logger, st *store.Store) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		if err := st.Ping(c.Request.Context()); err != nil {
			log.Error("health check failed", slog.Any("err", err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "down"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/kv", func(c *gin.Context) {
		entries, err := st.List(c.Request.Context())
		if err != nil {
			fail(c, log, err)
			return
		}
		if entries == nil {
			entries = []store.Entry{}
		}
		c.JSON(http.StatusOK, entries)
	})

	r.GET("/kv/:key", func(c *gin.Context) {
		entry, err := st.Get(c.Request.Context(), c.Param("key"))
		if err != nil {
			fail(c, log, err)
			return
		}
		c.JSON(http.StatusOK, entry)
	})

	r.PUT("/kv/:key", func(c *gin.Context) {
		var req putRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
			return
		}
		if err := st.Put(c.Request.Context(), c.Param("key"), req.Value); err != nil {
			fail(c, log, err)
			return
		}
		c.Status(http.StatusNoContent)
	})

	r.DELETE("/kv/:key", func(c *gin.Context) {
		if err := st.Delete(c.Request.Context(), c.Param("key")); err != nil {
			fail(c, log, err)
			return
		}
		c.Status(http.StatusNoContent)
	})

	r.POST("/kv", func(c *gin.Context) {
		var entries []store.Entry
		if err := c.ShouldBindJSON(&entries); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
			return
		}
		applied, err := st.PutBatch(c.Request.Context(), entries)
		if err != nil {
			fail(c, log, err)
			return
		}
		c.JSON(http.StatusOK, batchResponse{Applied: applied})
	})

	return r
}

func fail(c *gin.Context, log *slog.Logger, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, store.ErrEmptyKey):
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty key"})
	default:
		log.Error("request failed", slog.String("path", c.FullPath()), slog.Any("err", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
