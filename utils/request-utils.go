package utils

import (
	"fmt"
	"io"
	"net/http"
	"strings"
)

// MaxFormMemory is the part of a multipart body kept in memory; the rest
// spills to temporary files.
const MaxFormMemory = 64 << 20

type MultipartResult struct {
	Files  map[string][]byte
	Values map[string]string
}

// ReadMultiPartForm reads every uploaded file and the first value of every
// field of a multipart request.
func ReadMultiPartForm(r *http.Request) (*MultipartResult, error) {
	if err := r.ParseMultipartForm(MaxFormMemory); err != nil {
		return nil, fmt.Errorf("failed to parse multipart form: %w", err)
	}
	result := &MultipartResult{
		Files:  make(map[string][]byte),
		Values: make(map[string]string),
	}

	for key, value := range r.MultipartForm.Value {
		if len(value) > 0 {
			result.Values[key] = value[0]
		}
	}

	for key, headers := range r.MultipartForm.File {
		if len(headers) == 0 {
			continue
		}
		file, err := headers[0].Open()
		if err != nil {
			return nil, fmt.Errorf("failed to open upload %s: %w", key, err)
		}
		data, err := io.ReadAll(file)
		file.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read upload %s: %w", key, err)
		}
		result.Files[key] = data
	}
	return result, nil
}

// Bool reports whether the field is "true".
func (m *MultipartResult) Bool(key string) bool {
	return strings.EqualFold(m.Values[key], "true")
}

// List splits a comma separated field, dropping empty items.
func (m *MultipartResult) List(key string) []string {
	var out []string
	for _, item := range strings.Split(m.Values[key], ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
