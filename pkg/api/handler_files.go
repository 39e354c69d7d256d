package api

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/cowork-ai/cowork/pkg/workdir"
)

// maxUploadBytes caps a single multipart upload request.
const maxUploadBytes = 256 << 20

// UploadedFile is one stored attachment in the upload response.
type UploadedFile struct {
	FileID string `json:"file_id"`
	Name   string `json:"name"`
	Size   int64  `json:"size"`
}

// uploadHandler stores multipart files under the project's uploads bucket
// and writes a metadata sidecar per file.
func (s *Server) uploadHandler(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadBytes)

	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	projectID := c.PostForm("project_id")
	if projectID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "project_id is required"})
		return
	}
	bucket := c.PostForm("bucket")
	if bucket == "" {
		bucket = "attachments"
	}
	headers := form.File["files"]
	if len(headers) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no files in request"})
		return
	}

	uploadsDir, err := s.workdir.UploadsDir(projectID, bucket)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	metaDir, err := s.workdir.MetaDir(projectID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	var stored []UploadedFile
	for _, fh := range headers {
		fileID := uuid.New().String()
		dst := filepath.Join(uploadsDir, fileID)
		if err := c.SaveUploadedFile(fh, dst); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		meta := workdir.UploadMeta{
			FileID:      fileID,
			Name:        filepath.Base(fh.Filename),
			Bucket:      bucket,
			Size:        fh.Size,
			ContentType: fh.Header.Get("Content-Type"),
			UploadedAt:  time.Now().Format(time.RFC3339Nano),
		}
		raw, err := json.Marshal(meta)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if err := os.WriteFile(filepath.Join(metaDir, fileID+".json"), raw, 0o644); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		stored = append(stored, UploadedFile{FileID: fileID, Name: meta.Name, Size: meta.Size})
	}

	c.JSON(http.StatusOK, gin.H{"files": stored})
}

// fileHandler serves an uploaded file by id, using the metadata sidecar to
// recover the bucket and original filename.
func (s *Server) fileHandler(c *gin.Context) {
	projectID := c.Param("project_id")
	fileID := c.Param("file_id")

	metaDir, err := s.workdir.MetaDir(projectID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	raw, err := os.ReadFile(filepath.Join(metaDir, workdir.Sanitize(fileID)+".json"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
		return
	}
	var meta workdir.UploadMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "corrupt file metadata"})
		return
	}

	uploadsDir, err := s.workdir.UploadsDir(projectID, meta.Bucket)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	path := filepath.Join(uploadsDir, meta.FileID)
	if _, err := os.Stat(path); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
		return
	}
	if meta.ContentType != "" {
		c.Header("Content-Type", meta.ContentType)
	}
	c.FileAttachment(path, meta.Name)
}

// downloadHandler serves a generated file addressed by a workdir-relative
// path. Resolution rejects anything escaping the project directory.
func (s *Server) downloadHandler(c *gin.Context) {
	projectID := c.Param("project_id")
	rel := c.Query("path")
	if rel == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "path query parameter is required"})
		return
	}

	abs, err := s.workdir.Resolve(projectID, rel)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	info, err := os.Stat(abs)
	if err != nil || info.IsDir() {
		c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
		return
	}
	c.FileAttachment(abs, filepath.Base(abs))
}
