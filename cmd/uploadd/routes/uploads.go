package routes

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/driftline/uploadd/internal/upload"
	"github.com/driftline/uploadd/pkg/config"
	"github.com/driftline/uploadd/pkg/types"
	"github.com/driftline/uploadd/pkg/utils"
)

const (
	protocolVersion = "1.0.0"
	// chunkContentType is the only body type PATCH accepts; anything else is
	// a different protocol and gets a 415.
	chunkContentType = "application/offset+octet-stream"
	extensions       = "creation,termination,expiration"
)

// UploadRoutes sets up the resumable upload endpoint
func UploadRoutes(api *gin.RouterGroup, uploadService *upload.Service, cfg *config.UploadConfig) {
	uploads := api.Group("/uploads")
	uploads.Use(protocolMiddleware())

	uploads.OPTIONS("", handleCapabilities(cfg))
	uploads.POST("", handleCreate(uploadService))
	uploads.OPTIONS("/:id", handleCapabilities(cfg))
	uploads.HEAD("/:id", handleStatus(uploadService))
	uploads.PATCH("/:id", handleAppend(uploadService))
	uploads.DELETE("/:id", handleTerminate(uploadService))
}

// protocolMiddleware stamps the protocol version on every response and
// rejects clients speaking a different one. OPTIONS is exempt so discovery
// works before the client knows what we speak.
func protocolMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Tus-Resumable", protocolVersion)

		if c.Request.Method != http.MethodOptions {
			if v := c.GetHeader("Tus-Resumable"); v != "" && v != protocolVersion {
				c.Header("Tus-Version", protocolVersion)
				c.AbortWithStatus(http.StatusPreconditionFailed)
				return
			}
		}

		c.Next()
	}
}

func handleCapabilities(cfg *config.UploadConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Tus-Version", protocolVersion)
		c.Header("Tus-Extension", extensions)
		if cfg.MaxSize > 0 {
			c.Header("Tus-Max-Size", strconv.FormatInt(cfg.MaxSize, 10))
		}
		c.Status(http.StatusNoContent)
	}
}

func handleCreate(uploadService *upload.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		lengthHeader := c.GetHeader("Upload-Length")
		if lengthHeader == "" {
			c.JSON(http.StatusBadRequest, types.APIResponse{
				Success: false,
				Error:   "Upload-Length header is required",
			})
			return
		}
		declaredLength, err := strconv.ParseInt(lengthHeader, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, types.APIResponse{
				Success: false,
				Error:   "Upload-Length must be an integer",
			})
			return
		}

		metadata, err := utils.ParseUploadMetadata(c.GetHeader("Upload-Metadata"))
		if err != nil {
			c.JSON(http.StatusBadRequest, types.APIResponse{
				Success: false,
				Error:   "invalid Upload-Metadata: " + err.Error(),
			})
			return
		}

		session, err := uploadService.Create(c.Request.Context(), declaredLength, metadata)
		if err != nil {
			writeUploadError(c, err)
			return
		}

		location := c.Request.URL.Path + "/" + session.ID.String()
		c.Header("Location", location)
		c.JSON(http.StatusCreated, types.APIResponse{
			Success: true,
			Data: gin.H{
				"id":       session.ID,
				"location": location,
			},
		})
	}
}

func handleStatus(uploadService *upload.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.Status(http.StatusNotFound)
			return
		}

		session, err := uploadService.Status(c.Request.Context(), id)
		if err != nil {
			writeUploadError(c, err)
			return
		}
		if session.Status == types.StatusExpired {
			c.Status(http.StatusGone)
			return
		}

		// Offsets must never be served from an intermediary's cache: a stale
		// answer would steer the client to a rejected resume point.
		c.Header("Cache-Control", "no-store")
		c.Header("Upload-Offset", strconv.FormatInt(session.ReceivedOffset, 10))
		c.Header("Upload-Length", strconv.FormatInt(session.DeclaredLength, 10))
		if encoded := utils.EncodeUploadMetadata(session.Metadata); encoded != "" {
			c.Header("Upload-Metadata", encoded)
		}
		c.Status(http.StatusOK)
	}
}

func handleAppend(uploadService *upload.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.Status(http.StatusNotFound)
			return
		}

		if c.ContentType() != chunkContentType {
			c.JSON(http.StatusUnsupportedMediaType, types.APIResponse{
				Success: false,
				Error:   "Content-Type must be " + chunkContentType,
			})
			return
		}

		offsetHeader := c.GetHeader("Upload-Offset")
		claimedOffset, err := strconv.ParseInt(offsetHeader, 10, 64)
		if err != nil || claimedOffset < 0 {
			c.JSON(http.StatusBadRequest, types.APIResponse{
				Success: false,
				Error:   "Upload-Offset header is required and must be a non-negative integer",
			})
			return
		}

		newOffset, err := uploadService.Append(c.Request.Context(), id, claimedOffset, c.Request.ContentLength, c.Request.Body)
		if err != nil {
			writeUploadError(c, err)
			return
		}

		c.Header("Upload-Offset", strconv.FormatInt(newOffset, 10))
		c.Status(http.StatusNoContent)
	}
}

func handleTerminate(uploadService *upload.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.Status(http.StatusNotFound)
			return
		}

		if err := uploadService.Terminate(c.Request.Context(), id); err != nil {
			writeUploadError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// writeUploadError translates the service error taxonomy into HTTP. The
// mapping is exhaustive; anything unrecognized is a plain 500.
func writeUploadError(c *gin.Context, err error) {
	var mismatch *upload.OffsetMismatchError
	switch {
	case errors.As(err, &mismatch):
		// The authoritative offset rides on the conflict so the client can
		// resume without a separate status query.
		c.Header("Upload-Offset", strconv.FormatInt(mismatch.Offset, 10))
		c.JSON(http.StatusConflict, types.APIResponse{
			Success: false,
			Error:   err.Error(),
		})
	case errors.Is(err, upload.ErrNotFound):
		c.JSON(http.StatusNotFound, types.APIResponse{
			Success: false,
			Error:   "upload session not found",
		})
	case errors.Is(err, upload.ErrSessionExpired), errors.Is(err, upload.ErrSessionClosed):
		c.JSON(http.StatusGone, types.APIResponse{
			Success: false,
			Error:   err.Error(),
		})
	case errors.Is(err, upload.ErrLengthExceeded):
		c.JSON(http.StatusRequestEntityTooLarge, types.APIResponse{
			Success: false,
			Error:   err.Error(),
		})
	case upload.IsClientError(err):
		c.JSON(http.StatusBadRequest, types.APIResponse{
			Success: false,
			Error:   err.Error(),
		})
	default:
		log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("upload request failed")
		c.JSON(http.StatusInternalServerError, types.APIResponse{
			Success: false,
			Error:   "internal server error",
		})
	}
}
