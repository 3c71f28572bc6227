package gindelegate

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/unbasical/airborne/internal/pkg/api/apicommon"
	apidelegate "github.com/unbasical/airborne/internal/pkg/delegates/api"
	error2 "github.com/unbasical/airborne/internal/pkg/error"
)

type ginAirborneContext struct {
	c *gin.Context
}

func NewDelegate(c *gin.Context) apidelegate.APIDelegate {
	return &ginAirborneContext{c: c}
}

func (g *ginAirborneContext) ExtractApp() (organization, app string, err error) {
	organization = g.c.Param(apicommon.ParamOrganization)
	app = g.c.Param(apicommon.ParamApp)
	if organization == "" || app == "" {
		return "", "", error2.ErrMissingParam
	}
	return organization, app, nil
}

func (g *ginAirborneContext) ExtractFilePath() (string, error) {
	// catch-all parameters keep their leading slash
	p := strings.TrimPrefix(g.c.Param(apicommon.ParamFilePath), "/")
	if p == "" {
		return "", error2.ErrMissingParam
	}
	return p, nil
}

func (g *ginAirborneContext) ExtractClientHeaders() map[string]string {
	headers := make(map[string]string)
	for k, v := range g.c.Request.Header {
		if len(v) > 0 && strings.HasPrefix(strings.ToLower(k), "x-") {
			headers[strings.ToLower(k)] = v[0]
		}
	}
	return headers
}

func (g *ginAirborneContext) HandleError(err error, msg string) {
	statusCode := http.StatusInternalServerError
	switch {
	case errors.Is(err, error2.ErrReleaseNotFound), errors.Is(err, error2.ErrFileNotFound):
		statusCode = http.StatusNotFound
	case errors.Is(err, error2.ErrInvalidPath), errors.Is(err, error2.ErrMissingParam), errors.Is(err, error2.ErrBadRequest):
		statusCode = http.StatusBadRequest
	}
	apicommon.RespondWithError(g.c, statusCode, err, msg)
}

func (g *ginAirborneContext) HandleRelease(p string) {
	g.c.Header("Cache-Control", "no-cache")
	g.c.File(p)
}

func (g *ginAirborneContext) HandleFile(p string) {
	g.c.File(p)
}
