package main

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/CzarSimon/httputil"
	"github.com/gin-gonic/gin"
	"github.com/opentracing/opentracing-go"
	tracelog "github.com/opentracing/opentracing-go/log"
	"github.com/rtcheap/call-manager/internal/call"
	"github.com/rtcheap/call-manager/internal/models"
	"github.com/rtcheap/dto"
)

type activeCallStatus struct {
	Call          models.CallSession `json:"call"`
	State         call.State         `json:"state"`
	ScreenSharing bool               `json:"screenSharing"`
}

type toggleResult struct {
	Enabled bool `json:"enabled"`
}

func (e *env) startCall(c *gin.Context) {
	span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "controller.startCall")
	defer span.Finish()

	var req call.Outgoing
	err := c.ShouldBindJSON(&req)
	if err != nil {
		err = httputil.BadRequestError(fmt.Errorf("failed to parse request body: %w", err))
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		c.Error(err)
		return
	}

	session, err := e.agent.startCall(ctx, req)
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		c.Error(err)
		return
	}

	span.LogFields(tracelog.Bool("success", true))
	c.JSON(http.StatusOK, dto.Reference{ID: session.ID, System: "call-manager/call"})
}

func (e *env) getIncomingCall(c *gin.Context) {
	span, _ := opentracing.StartSpanFromContext(c.Request.Context(), "controller.getIncomingCall")
	defer span.Finish()

	notice, ok := e.agent.incoming()
	if !ok {
		err := httputil.NotFoundError(errors.New("no incoming call"))
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		c.Error(err)
		return
	}

	span.LogFields(tracelog.Bool("success", true))
	c.JSON(http.StatusOK, notice)
}

func (e *env) acceptIncomingCall(c *gin.Context) {
	span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "controller.acceptIncomingCall")
	defer span.Finish()

	session, err := e.agent.acceptIncoming(ctx)
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		c.Error(err)
		return
	}

	span.LogFields(tracelog.Bool("success", true))
	c.JSON(http.StatusOK, session)
}

func (e *env) rejectIncomingCall(c *gin.Context) {
	span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "controller.rejectIncomingCall")
	defer span.Finish()

	err := e.agent.rejectIncoming(ctx)
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		c.Error(err)
		return
	}

	span.LogFields(tracelog.Bool("success", true))
	httputil.SendOK(c)
}

func (e *env) getActiveCall(c *gin.Context) {
	span, _ := opentracing.StartSpanFromContext(c.Request.Context(), "controller.getActiveCall")
	defer span.Finish()

	active, err := e.agent.activeCall()
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		c.Error(err)
		return
	}

	span.LogFields(tracelog.Bool("success", true))
	c.JSON(http.StatusOK, activeCallStatus{
		Call:          active.Call(),
		State:         active.State(),
		ScreenSharing: active.ScreenSharing(),
	})
}

func (e *env) hangUp(c *gin.Context) {
	span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "controller.hangUp")
	defer span.Finish()

	active, err := e.agent.activeCall()
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		c.Error(err)
		return
	}

	active.HangUp(ctx)
	span.LogFields(tracelog.Bool("success", true))
	httputil.SendOK(c)
}

func (e *env) toggleMute(c *gin.Context) {
	e.toggle(c, "controller.toggleMute", (*call.Controller).ToggleMute)
}

func (e *env) toggleCamera(c *gin.Context) {
	e.toggle(c, "controller.toggleCamera", (*call.Controller).ToggleCamera)
}

func (e *env) toggle(c *gin.Context, operation string, fn func(*call.Controller) (bool, error)) {
	span, _ := opentracing.StartSpanFromContext(c.Request.Context(), operation)
	defer span.Finish()

	active, err := e.agent.activeCall()
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		c.Error(err)
		return
	}

	off, err := fn(active)
	if err != nil {
		err = mapCallError(err)
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		c.Error(err)
		return
	}

	span.LogFields(tracelog.Bool("success", true))
	c.JSON(http.StatusOK, toggleResult{Enabled: !off})
}

func (e *env) startScreenShare(c *gin.Context) {
	span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "controller.startScreenShare")
	defer span.Finish()

	active, err := e.agent.activeCall()
	if err == nil {
		err = active.StartScreenShare(ctx)
	}
	if err != nil {
		err = mapCallError(err)
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		c.Error(err)
		return
	}

	span.LogFields(tracelog.Bool("success", true))
	httputil.SendOK(c)
}

func (e *env) stopScreenShare(c *gin.Context) {
	span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "controller.stopScreenShare")
	defer span.Finish()

	active, err := e.agent.activeCall()
	if err == nil {
		err = active.StopScreenShare(ctx)
	}
	if err != nil {
		err = mapCallError(err)
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		c.Error(err)
		return
	}

	span.LogFields(tracelog.Bool("success", true))
	httputil.SendOK(c)
}

func (e *env) streamEvents(c *gin.Context) {
	span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "controller.streamEvents")
	defer span.Finish()

	err := e.socket.Connect(ctx, c.Request, c.Writer)
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		c.Error(err)
		return
	}

	span.LogFields(tracelog.Bool("success", true))
}

func mapCallError(err error) error {
	switch {
	case errors.Is(err, call.ErrNoVideoSender), errors.Is(err, call.ErrNoLocalTrack), errors.Is(err, call.ErrNotActive):
		return httputil.PreconditionRequiredError(err)
	}
	return err
}
