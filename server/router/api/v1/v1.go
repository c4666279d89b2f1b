package v1

import (
	"github.com/labstack/echo/v5"

	"github.com/judyhq/judy/internal/profile"
	"github.com/judyhq/judy/server/auth"
	"github.com/judyhq/judy/server/exchange"
)

// APIV1Service serves the conversation HTTP API.
type APIV1Service struct {
	Profile       *profile.Profile
	Service       *exchange.Service
	Authenticator *auth.Authenticator
}

func NewAPIV1Service(p *profile.Profile, service *exchange.Service) *APIV1Service {
	return &APIV1Service{
		Profile:       p,
		Service:       service,
		Authenticator: auth.NewAuthenticator(p.Secret),
	}
}

// RegisterRoutes mounts every v1 route on e.
func (s *APIV1Service) RegisterRoutes(e *echo.Echo) {
	s.registerAIChatRoutes(e)
}
