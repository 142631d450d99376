package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tiankong-lab/multichat/backend/internal/handler/compat"
	dialogHandler "github.com/tiankong-lab/multichat/backend/internal/handler/dialog"
	"github.com/tiankong-lab/multichat/backend/internal/handler/refresh"
	"github.com/tiankong-lab/multichat/backend/internal/handler/session"
	middlewarePkg "github.com/tiankong-lab/multichat/backend/internal/middleware"
	dialogService "github.com/tiankong-lab/multichat/backend/internal/service/dialog"
)

// NewRouter wires HTTP routes to core services.
func NewRouter(asker dialogHandler.Asker, dialogSvc *dialogService.Service, sweeper refresh.Runner, refreshPassword string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)
	r.Use(session.Middleware)

	dialogH := dialogHandler.New(asker, dialogSvc)
	sessionH := session.New(dialogSvc)
	compatH := compat.New(dialogSvc)
	refreshH := refresh.New(sweeper, refreshPassword)

	r.Route("/dialog", func(api chi.Router) {
		dialogH.RegisterRoutes(api)
	})
	r.Route("/session", func(api chi.Router) {
		sessionH.RegisterRoutes(api)
	})
	r.Route("/refresh", func(api chi.Router) {
		refreshH.RegisterRoutes(api)
	})

	// 原版接口
	r.Route("/backend-api", func(api chi.Router) {
		compatH.RegisterRoutes(api)
	})

	return r
}
