package sandbox

import (
	"context"
	"net/http"

	"github.com/dohr-michael/newgate/internal/store"
)

// ResourceStore is the user-scoped data the sandbox exposes.
type ResourceStore interface {
	ListProjects(ctx context.Context, userID string) ([]store.Project, error)
	CreateProject(ctx context.Context, userID string, in store.ProjectInput) (*store.Project, error)
	UpdateProject(ctx context.Context, userID, id string, in store.ProjectInput) (*store.Project, error)
	DeleteProject(ctx context.Context, userID, id string) error

	ListRevenues(ctx context.Context, userID string) ([]store.Revenue, error)
	CreateRevenue(ctx context.Context, userID string, in store.RevenueInput) (*store.Revenue, error)
	UpdateRevenue(ctx context.Context, userID, id string, in store.RevenueInput) (*store.Revenue, error)
	DeleteRevenue(ctx context.Context, userID, id string) error
}

// Deleted is the response of delete endpoints.
type Deleted struct {
	ID      string `json:"id"`
	Deleted bool   `json:"deleted"`
}

// ResourceEndpoints returns the projects and revenues endpoints backed by rs.
func ResourceEndpoints(rs ResourceStore) []Endpoint {
	return []Endpoint{
		Handle("projects", http.MethodGet, false, http.StatusOK,
			func(ctx context.Context, req Request[NoBody]) ([]store.Project, error) {
				return rs.ListProjects(ctx, req.UserID)
			}),
		Handle("projects", http.MethodPost, false, http.StatusCreated,
			func(ctx context.Context, req Request[store.ProjectInput]) (*store.Project, error) {
				return rs.CreateProject(ctx, req.UserID, req.Body)
			}),
		Handle("projects", http.MethodPut, true, http.StatusOK,
			func(ctx context.Context, req Request[store.ProjectInput]) (*store.Project, error) {
				return rs.UpdateProject(ctx, req.UserID, req.ID, req.Body)
			}),
		Handle("projects", http.MethodDelete, true, http.StatusOK,
			func(ctx context.Context, req Request[NoBody]) (Deleted, error) {
				if err := rs.DeleteProject(ctx, req.UserID, req.ID); err != nil {
					return Deleted{}, err
				}
				return Deleted{ID: req.ID, Deleted: true}, nil
			}),

		Handle("revenues", http.MethodGet, false, http.StatusOK,
			func(ctx context.Context, req Request[NoBody]) ([]store.Revenue, error) {
				return rs.ListRevenues(ctx, req.UserID)
			}),
		Handle("revenues", http.MethodPost, false, http.StatusCreated,
			func(ctx context.Context, req Request[store.RevenueInput]) (*store.Revenue, error) {
				return rs.CreateRevenue(ctx, req.UserID, req.Body)
			}),
		Handle("revenues", http.MethodPut, true, http.StatusOK,
			func(ctx context.Context, req Request[store.RevenueInput]) (*store.Revenue, error) {
				return rs.UpdateRevenue(ctx, req.UserID, req.ID, req.Body)
			}),
		Handle("revenues", http.MethodDelete, true, http.StatusOK,
			func(ctx context.Context, req Request[NoBody]) (Deleted, error) {
				if err := rs.DeleteRevenue(ctx, req.UserID, req.ID); err != nil {
					return Deleted{}, err
				}
				return Deleted{ID: req.ID, Deleted: true}, nil
			}),
	}
}
