package releaseapi

import (
	"net/url"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/unbasical/airborne/internal/pkg/api/apicommon"
	"github.com/unbasical/airborne/internal/pkg/core/releaseengine"
	"github.com/unbasical/airborne/internal/pkg/delegates/api/gindelegate"
)

// BuildReleaseAPI registers the manifest and file routes that update clients poll.
func BuildReleaseAPI(r *gin.Engine, engine releaseengine.Engine) *gin.Engine {
	log.Debug("Building release API")

	releasePath, err := url.JoinPath("/", apicommon.ReleaseApiPath)
	if err != nil {
		log.Fatal(err)
	}
	filesPath, err := url.JoinPath("/", apicommon.FilesApiPath)
	if err != nil {
		log.Fatal(err)
	}

	releaseAPI := r.Group(releasePath)
	releaseAPI.GET("/:"+apicommon.ParamOrganization+"/:"+apicommon.ParamApp, func(c *gin.Context) {
		engine.HandleReadRelease(gindelegate.NewDelegate(c))
	})
	filesAPI := r.Group(filesPath)
	filesAPI.GET("/:"+apicommon.ParamOrganization+"/:"+apicommon.ParamApp+"/*"+apicommon.ParamFilePath, func(c *gin.Context) {
		engine.HandleReadFile(gindelegate.NewDelegate(c))
	})
	return r
}
