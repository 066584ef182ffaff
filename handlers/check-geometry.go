package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"

	"github.com/bsaid97/go-spatial-overlay/engine"
	"github.com/bsaid97/go-spatial-overlay/features"
	"github.com/bsaid97/go-spatial-overlay/utils"
)

// DefaultPrecision is the number of decimals kept by geometry repair.
const DefaultPrecision = 7

// CheckGeometry serves POST /check-geometry. The form carries a target
// (uploaded GeoJSON or a reference). With fix=true the repaired collection
// is returned instead of the list of issues.
type CheckGeometry struct {
	Refs    RefPolicy
	IDField string
	TempDir string
	Workers int
	Logger  *slog.Logger
}

type checkResponse struct {
	Checked int                    `json:"checked"`
	Invalid []engine.GeometryIssue `json:"invalid"`
}

func (h *CheckGeometry) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !allowPost(w, r) {
		return
	}
	form, err := utils.ReadMultiPartForm(r)
	if err != nil {
		sendError(w, http.StatusBadRequest, err)
		return
	}

	dir, err := os.MkdirTemp(h.TempDir, "check-request-")
	if err != nil {
		sendError(w, http.StatusInternalServerError, err)
		return
	}
	defer os.RemoveAll(dir)

	ref, err := collectionRef(form, "target", dir, h.Refs)
	if err != nil {
		sendError(w, http.StatusBadRequest, err)
		return
	}
	feats, err := readAll(r.Context(), ref, h.idField())
	if err != nil {
		sendError(w, http.StatusBadRequest, err)
		return
	}
	loggerOrDefault(h.Logger).Info("checking geometries", "target", string(ref), "features", len(feats))

	if !form.Bool("fix") {
		sendJSON(w, http.StatusOK, checkResponse{Checked: len(feats), Invalid: engine.CheckGeometries(feats)})
		return
	}

	precision := DefaultPrecision
	if v := form.Values["precision"]; v != "" {
		if precision, err = strconv.Atoi(v); err != nil {
			sendError(w, http.StatusBadRequest, fmt.Errorf("invalid precision %q", v))
			return
		}
	}
	kept, issues := engine.RepairGeometries(r.Context(), feats, precision, h.Workers)
	data, err := features.EncodeGeoJSON(kept, h.idField())
	if err != nil {
		sendError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("X-Dropped-Features", strconv.Itoa(len(issues)))
	sendResponse(w, "application/geo+json", data)
}

func readAll(ctx context.Context, ref features.Ref, idField string) ([]features.Feature, error) {
	coll, err := features.Open(ctx, ref, features.Options{IDField: idField})
	if err != nil {
		return nil, err
	}
	defer coll.Close()
	return coll.Select(ctx, features.All())
}

func (h *CheckGeometry) idField() string {
	if h.IDField == "" {
		return features.DefaultIDField
	}
	return h.IDField
}
