package daemon

import (
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ginLogger logs each request through logrus.
func ginLogger(logger logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		// other handler can change c.Path so:
		path := c.Request.URL.Path
		start := time.Now()
		c.Next()
		latency := int(math.Ceil(float64(time.Since(start).Nanoseconds()) / 1e6))
		statusCode := c.Writer.Status()
		dataLength := max(c.Writer.Size(), 0)

		entry := logger.WithFields(logrus.Fields{
			"statusCode": statusCode,
			"latency":    latency, // ms
			"method":     c.Request.Method,
			"path":       path,
			"dataLength": dataLength,
		})

		if len(c.Errors) > 0 {
			entry.Error(c.Errors.ByType(gin.ErrorTypePrivate).String())
			return
		}

		msg := fmt.Sprintf("%s %s %d (%dms)", c.Request.Method, path, statusCode, latency)
		switch {
		case statusCode >= http.StatusInternalServerError:
			entry.Error(msg)
		case statusCode >= http.StatusBadRequest:
			entry.Warn(msg)
		case path == "/status" || path == "/frequency":
			// Polled by clients; keep them out of debug logs.
			entry.Trace(msg)
		default:
			entry.Debug(msg)
		}
	}
}

func abortWith(c *gin.Context, code int, err error) {
	c.IndentedJSON(code, err.Error())
	_ = c.AbortWithError(code, err)
}

func badRequest(c *gin.Context, err error) { abortWith(c, http.StatusBadRequest, err) }

func notFound(c *gin.Context, err error) { abortWith(c, http.StatusNotFound, err) }

func conflict(c *gin.Context, err error) { abortWith(c, http.StatusConflict, err) }

func internalError(c *gin.Context, err error) {
	logrus.WithField("path", c.Request.URL.Path).Errorf("request failed: %v", err)
	abortWith(c, http.StatusInternalServerError, err)
}

// streamEvents forwards hub events as server-sent events until the client
// goes away.
func (d *Daemon) streamEvents(c *gin.Context) {
	ch := d.hub.Subscribe()
	defer d.hub.Unsubscribe(ch)

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(ev.Name, string(ev.Data))
			return true
		case <-keepAlive.C:
			c.SSEvent("ping", "")
			return true
		}
	})
}
