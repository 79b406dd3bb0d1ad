package main

import (
	"context"
	"net/http"
	"time"

	"github.com/CzarSimon/httputil"
	"github.com/CzarSimon/httputil/jwt"
	"github.com/CzarSimon/httputil/logger"
	_ "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"
)

var log = logger.GetDefaultLogger("call-manager/main")

func main() {
	e := setupEnv()
	defer e.close()

	err := e.agent.start(context.Background(), e.cfg.pollInterval)
	if err != nil {
		log.Fatal("failed to start incoming call watcher", zap.Error(err))
	}

	server := newServer(e)
	log.Info("Started call-manager for user " + e.cfg.userID + " listening on port: " + e.cfg.port)

	err = server.ListenAndServe()
	if err != nil {
		log.Error("Unexpected error stoped server.", zap.Error(err))
	}
}

func newServer(e *env) *http.Server {
	r := httputil.NewRouter("call-manager", e.checkHealth)

	rbac := httputil.RBAC{
		Verifier: jwt.NewVerifier(e.cfg.jwtCredentials, time.Minute),
	}

	calls := r.Group("/v1/calls", rbac.Secure("USER"))
	calls.POST("", e.startCall)
	calls.GET("/incoming", e.getIncomingCall)
	calls.POST("/incoming/accept", e.acceptIncomingCall)
	calls.POST("/incoming/reject", e.rejectIncomingCall)
	calls.GET("/active", e.getActiveCall)
	calls.POST("/active/hangup", e.hangUp)
	calls.PUT("/active/mute", e.toggleMute)
	calls.PUT("/active/camera", e.toggleCamera)
	calls.POST("/active/screen-share", e.startScreenShare)
	calls.DELETE("/active/screen-share", e.stopScreenShare)

	r.GET("/v1/events", rbac.Secure("USER"), e.streamEvents)

	return &http.Server{
		Addr:    ":" + e.cfg.port,
		Handler: r,
	}
}
