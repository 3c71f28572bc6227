package api

import (
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/unbasical/airborne/internal/pkg/api/apicommon"
	"github.com/unbasical/airborne/internal/pkg/api/releaseapi"
	"github.com/unbasical/airborne/internal/pkg/core/metrics"
	"github.com/unbasical/airborne/internal/pkg/core/releaseengine"
)

// BuildApp builds the release server and returns the engine that serves its requests.
func BuildApp(config *apicommon.Config) (*gin.Engine, releaseengine.Engine) {
	log.Debug("Building app")
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery(), metrics.PrometheusMiddleware())

	engine := releaseengine.NewEngine(config.Root)
	r = releaseapi.BuildReleaseAPI(r, engine)

	pingPath, err := url.JoinPath("/", apicommon.ApiBasePathV1, "ping")
	if err != nil {
		log.Fatal(err)
	}
	r.GET(pingPath, ping)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics.PromRegistry, promhttp.HandlerOpts{})))
	return r, engine
}

func ping(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "pong",
	})
}
