package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/cityconnect/ecocoins_backend/config"
	"github.com/cityconnect/ecocoins_backend/utils"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const maxUploadSizeBytes int64 = 5 * 1024 * 1024

var imageMimeTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
}

var (
	errEvidenceMissing  = errors.New("image is required")
	errEvidenceTooLarge = errors.New("file size exceeds 5MB limit")
	errEvidenceType     = errors.New("unsupported image type")
)

// readEvidenceUpload reads the multipart "image" field. The content type is
// sniffed from the bytes; the client's header is not trusted.
func readEvidenceUpload(c *gin.Context) ([]byte, error) {
	fileHeader, err := c.FormFile("image")
	if err != nil {
		return nil, errEvidenceMissing
	}
	if fileHeader.Size > maxUploadSizeBytes {
		return nil, errEvidenceTooLarge
	}
	file, err := fileHeader.Open()
	if err != nil {
		return nil, err
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxUploadSizeBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxUploadSizeBytes {
		return nil, errEvidenceTooLarge
	}
	if len(data) == 0 {
		return nil, errEvidenceMissing
	}
	if !imageMimeTypes[http.DetectContentType(data)] {
		return nil, errEvidenceType
	}
	return data, nil
}

// evidenceObjectHandler streams a stored evidence image to its owner or an admin.
func evidenceObjectHandler(store utils.EvidenceStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		objectKey := strings.TrimSpace(c.Query("key"))
		if objectKey == "" || strings.Contains(objectKey, "..") || strings.HasPrefix(objectKey, "/") {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid key"})
			return
		}

		userId, _ := utils.GetUserIdFromContext(ctx)
		isAdmin, _ := utils.GetIsAdminFromContext(ctx)
		if !isAdmin && !strings.HasPrefix(objectKey, fmt.Sprintf("evidence/%d/", userId)) {
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}

		data, err := store.Get(ctx, objectKey)
		if err != nil {
			logUploadError(config.GetLogger(), err, objectKey, requestIDFromHeaders(c))
			c.JSON(http.StatusNotFound, gin.H{"error": "object not found"})
			return
		}
		c.Data(http.StatusOK, http.DetectContentType(data), data)
	}
}

func logUploadError(logger *logrus.Logger, err error, objectKey string, requestID string) {
	logger.WithFields(logrus.Fields{
		"error":      err.Error(),
		"object_key": objectKey,
		"request_id": requestID,
	}).Error("[evidence.error]")
}

func requestIDFromHeaders(c *gin.Context) string {
	if id, ok := utils.GetCorrelationIdFromContext(c.Request.Context()); ok && id != "" {
		return id
	}
	return strings.TrimSpace(c.GetHeader("X-Request-Id"))
}
