package models

import (
	"path"
	"strings"
)

const DefaultMimeType = "application/octet-stream"

var mimeByExt = map[string]string{
	"jpg":  "image/jpg",
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"gif":  "image/gif",
	"webp": "image/webp",
	"mp4":  "video/mp4",
	"avi":  "video/avi",
	"mov":  "video/mov",
	"wmv":  "video/wmv",
	"mp3":  "audio/mp3",
	"wav":  "audio/wav",
	"flac": "audio/flac",
	"ogg":  "audio/ogg",
	"pdf":  "application/pdf",
	"zip":  "application/zip",
	"rar":  "application/zip",
	"7z":   "application/zip",
	"txt":  "text/plain",
	"md":   "text/plain",
	"doc":  "application/msword",
	"docx": "application/msword",
}

// InferMimeType maps a filename extension to a MIME type, case-insensitively.
func InferMimeType(filename string) string {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(filename), "."))
	if t, ok := mimeByExt[ext]; ok {
		return t
	}
	return DefaultMimeType
}
