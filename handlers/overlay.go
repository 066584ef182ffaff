package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/bsaid97/go-spatial-overlay/features"
	"github.com/bsaid97/go-spatial-overlay/pipeline"
	"github.com/bsaid97/go-spatial-overlay/utils"
)

// Overlay serves POST /overlay. The multipart form carries source and
// target (uploaded GeoJSON or references), attributes (comma separated), an
// optional where expression, an optional output reference and format (json,
// geojson or zip). References are resolved through Refs.
type Overlay struct {
	Run     func(ctx context.Context, req pipeline.Request) (*pipeline.MergedOutput, error)
	Refs    RefPolicy
	IDField string
	TempDir string
	Logger  *slog.Logger
}

type overlayResponse struct {
	*pipeline.MergedOutput
	Error string `json:"error,omitempty"`
}

func (h *Overlay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := loggerOrDefault(h.Logger)
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("overlay handler panicked", "panic", rec)
			sendError(w, http.StatusInternalServerError, fmt.Errorf("internal server error"))
		}
	}()
	if !allowPost(w, r) {
		return
	}

	form, err := utils.ReadMultiPartForm(r)
	if err != nil {
		sendError(w, http.StatusBadRequest, err)
		return
	}

	format := form.Values["format"]
	if format == "" {
		format = "json"
	}
	if format != "json" && format != "geojson" && format != "zip" {
		sendError(w, http.StatusBadRequest, fmt.Errorf("unknown format %q", format))
		return
	}

	dir, err := os.MkdirTemp(h.TempDir, "overlay-request-")
	if err != nil {
		sendError(w, http.StatusInternalServerError, err)
		return
	}
	defer os.RemoveAll(dir)

	req := pipeline.Request{Attributes: form.List("attributes")}
	if req.Source, err = collectionRef(form, "source", dir, h.Refs); err != nil {
		sendError(w, http.StatusBadRequest, err)
		return
	}
	if req.Target, err = collectionRef(form, "target", dir, h.Refs); err != nil {
		sendError(w, http.StatusBadRequest, err)
		return
	}
	if expr := form.Values["where"]; expr != "" {
		where, err := features.Expression(expr)
		if err != nil {
			sendError(w, http.StatusBadRequest, err)
			return
		}
		req.Where = &where
	}

	output := strings.TrimSpace(form.Values["output"])
	if output == "" {
		req.Output = features.Ref(filepath.Join(dir, "output.geojson"))
	} else {
		if req.Output, err = h.Refs.Resolve(output); err != nil {
			sendError(w, http.StatusBadRequest, fmt.Errorf("output: %w", err))
			return
		}
		if format != "json" && req.Output.Kind() != "geojson" {
			sendError(w, http.StatusBadRequest, fmt.Errorf("format %s needs a GeoJSON output", format))
			return
		}
	}

	logger.Info("overlay request received", "source", string(req.Source), "target", string(req.Target), "attributes", req.Attributes)
	out, err := h.Run(r.Context(), req)
	if err != nil && !errors.Is(err, pipeline.ErrChunkFailures) {
		sendError(w, statusFor(err), err)
		return
	}
	if err != nil {
		w.Header().Set("X-Failed-Chunks", fmt.Sprint(len(out.Summary.FailedChunks)))
	}

	switch format {
	case "json":
		resp := overlayResponse{MergedOutput: out}
		if err != nil {
			resp.Error = err.Error()
		}
		// Report the reference as the client gave it, not the server path.
		resp.Output = output
		sendJSON(w, http.StatusOK, resp)
	case "geojson":
		data, rerr := os.ReadFile(string(req.Output))
		if rerr != nil {
			sendError(w, http.StatusInternalServerError, rerr)
			return
		}
		sendResponse(w, "application/geo+json", data)
	case "zip":
		feats, rerr := features.ReadGeoJSON(string(req.Output), h.idField())
		if rerr != nil {
			sendError(w, http.StatusInternalServerError, rerr)
			return
		}
		zipData, zerr := features.ExportZip(feats, h.idField(), "overlay")
		if zerr != nil {
			sendError(w, http.StatusInternalServerError, zerr)
			return
		}
		sendZipResponse(w, "overlay", zipData)
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrPlanning):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrMerge):
		return http.StatusConflict
	case errors.Is(err, pipeline.ErrEngineUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Overlay) idField() string {
	if h.IDField == "" {
		return features.DefaultIDField
	}
	return h.IDField
}
