package web

import (
	"context"
	"errors"
	"net/http"

	"github.com/robertosilvah/rdtmgr/internal/logic"
	"github.com/robertosilvah/rdtmgr/internal/model"
	"github.com/robertosilvah/rdtmgr/internal/process"
	"github.com/robertosilvah/rdtmgr/internal/shift"
)

// resource is a catalog table exposed as list / get / create / update /
// delete. Deleting disables the row.
type resource[T any] struct {
	list     func(context.Context) ([]T, error)
	get      func(context.Context, int64) (T, error)
	create   func(context.Context, T) (T, error)
	update   func(context.Context, T) error
	disable  func(context.Context, int64) error
	id       func(T) int64
	enabled  func(T) bool
	validate func(T) error

	// changed runs after a create or update with the stored row.
	changed func(context.Context, T) error
	// disabled runs after a delete.
	disabled func(context.Context, int64) error
}

func (s *Server) routeCatalog(mux *http.ServeMux) {
	st := s.store

	register(s, mux, "/api/locations", resource[model.Location]{
		list:    st.ListLocations,
		get:     st.LocationByID,
		create:  st.CreateLocation,
		update:  st.UpdateLocation,
		disable: st.DisableLocation,
		id:      func(l model.Location) int64 { return l.ID },
		enabled: func(l model.Location) bool { return l.Enabled },
		validate: func(l model.Location) error {
			if l.Name == "" {
				return badRequest("name is required")
			}
			return nil
		},
		changed: func(ctx context.Context, l model.Location) error {
			if !l.Enabled {
				s.retire(l.ID)
				return nil
			}
			return s.lines.Ensure(ctx, l)
		},
		disabled: func(_ context.Context, id int64) error {
			s.retire(id)
			return nil
		},
	})
	mux.HandleFunc("GET /api/locations/{id}/shifts", s.handleShifts)

	register(s, mux, "/api/products", resource[model.Product]{
		list:    st.ListProducts,
		get:     st.ProductByID,
		create:  st.CreateProduct,
		update:  st.UpdateProduct,
		disable: st.DisableProduct,
		id:      func(p model.Product) int64 { return p.ID },
		enabled: func(p model.Product) bool { return p.Enabled },
		validate: func(p model.Product) error {
			if p.Name == "" {
				return badRequest("name is required")
			}
			return nil
		},
	})

	register(s, mux, "/api/production/standards", resource[logic.Standard]{
		list:    st.ListStandards,
		get:     st.StandardByID,
		create:  st.CreateStandard,
		update:  st.UpdateStandard,
		disable: st.DisableStandard,
		id:      func(x logic.Standard) int64 { return x.ID },
		enabled: func(x logic.Standard) bool { return x.Enabled },
		validate: func(x logic.Standard) error {
			switch {
			case x.ProductID <= 0:
				return badRequest("productId is required")
			case x.LocationID <= 0:
				return badRequest("locationId is required")
			case x.Value <= 0:
				return badRequest("value must be positive")
			}
			return nil
		},
	})

	register(s, mux, "/api/shifts/definitions", resource[shift.Definition]{
		list:    st.ListDefinitions,
		get:     st.DefinitionByID,
		create:  st.CreateDefinition,
		update:  st.UpdateDefinition,
		disable: st.DisableDefinition,
		id:      func(d shift.Definition) int64 { return d.ID },
		enabled: func(d shift.Definition) bool { return d.Enabled },
		validate: func(d shift.Definition) error {
			if d.LocationID <= 0 {
				return badRequest("locationId is required")
			}
			return d.Validate()
		},
		changed: s.pushDefinition,
		disabled: func(ctx context.Context, id int64) error {
			def, err := st.DefinitionByID(ctx, id)
			if err != nil {
				return err
			}
			def.Enabled = false
			return s.pushDefinition(ctx, def)
		},
	})

	mux.HandleFunc("GET /api/delayTypes", func(w http.ResponseWriter, r *http.Request) {
		types, err := st.ListDelayTypes(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, types)
	})
}

// pushDefinition hands a stored definition to its running line. Lines that
// are not running pick it up when they start.
func (s *Server) pushDefinition(ctx context.Context, def shift.Definition) error {
	err := s.lines.UpdateDefinition(ctx, def)
	if errors.Is(err, process.ErrUnknownLocation) {
		return nil
	}
	return err
}

func (s *Server) retire(id int64) {
	s.lines.Retire(id)
	s.tracker.RemoveLine(id)
}

func (s *Server) handleShifts(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	recs, err := s.store.ListShifts(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func register[T any](s *Server, mux *http.ServeMux, path string, rs resource[T]) {
	mux.HandleFunc("GET "+path, func(w http.ResponseWriter, r *http.Request) {
		rows, err := rs.list(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if r.URL.Query().Get("enabled") == "true" {
			kept := rows[:0]
			for _, row := range rows {
				if rs.enabled(row) {
					kept = append(kept, row)
				}
			}
			rows = kept
		}
		if rows == nil {
			rows = []T{}
		}
		writeJSON(w, http.StatusOK, rows)
	})

	mux.HandleFunc("GET "+path+"/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "id")
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		row, err := rs.get(r.Context(), id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, row)
	})

	mux.HandleFunc("POST "+path, func(w http.ResponseWriter, r *http.Request) {
		var row T
		if err := decode(r, &row); err != nil {
			s.writeError(w, r, err)
			return
		}
		if err := rs.validate(row); err != nil {
			s.writeError(w, r, err)
			return
		}
		row, err := rs.create(r.Context(), row)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		afterChange(s, r, rs, row)
		writeJSON(w, http.StatusOK, row)
	})

	mux.HandleFunc("PUT "+path, func(w http.ResponseWriter, r *http.Request) {
		var row T
		if err := decode(r, &row); err != nil {
			s.writeError(w, r, err)
			return
		}
		if rs.id(row) <= 0 {
			s.writeError(w, r, badRequest("id is required"))
			return
		}
		if err := rs.validate(row); err != nil {
			s.writeError(w, r, err)
			return
		}
		if err := rs.update(r.Context(), row); err != nil {
			s.writeError(w, r, err)
			return
		}
		row, err := rs.get(r.Context(), rs.id(row))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		afterChange(s, r, rs, row)
		writeJSON(w, http.StatusOK, row)
	})

	mux.HandleFunc("DELETE "+path+"/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "id")
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if err := rs.disable(r.Context(), id); err != nil {
			s.writeError(w, r, err)
			return
		}
		if rs.disabled != nil {
			if err := rs.disabled(r.Context(), id); err != nil {
				s.log.Warn("disable hook failed", "path", r.URL.Path, "error", err)
			}
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

// afterChange runs the change hook. The row is already stored, so a failing
// hook is logged rather than returned.
func afterChange[T any](s *Server, r *http.Request, rs resource[T], row T) {
	if rs.changed == nil {
		return
	}
	if err := rs.changed(r.Context(), row); err != nil {
		s.log.Warn("change hook failed", "path", r.URL.Path, "id", rs.id(row), "error", err)
	}
}
