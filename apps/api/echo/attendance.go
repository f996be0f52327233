package echoapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/uwepo/core"
	"github.com/trezcool/uwepo/core/attendance"
)

type (
	WifiCheckRequest struct {
		SSID      string `json:"ssid" validate:"required"`
		IPAddress string `json:"ip_address"`
	}

	LocationCheckRequest struct {
		Latitude  float64 `json:"latitude" validate:"latitude"`
		Longitude float64 `json:"longitude" validate:"longitude"`
		Accuracy  float64 `json:"accuracy" validate:"omitempty,gte=0"`
	}

	FaceCheckRequest struct {
		Descriptor core.FaceSample `json:"descriptor" validate:"required,min=1"`
	}

	OverrideRequest struct {
		Status attendance.Status `json:"status" validate:"required"`
		Reason string            `json:"reason" validate:"required"`
	}
)

type attendanceAPI struct {
	deps ServerDeps
}

func registerAttendanceAPI(g *echo.Group, jwt echo.MiddlewareFunc, deps ServerDeps) {
	api := attendanceAPI{deps: deps}

	ag := g.Group("/attendance", jwt)

	// faculty side
	ag.POST("/sessions", api.activate, facultyMiddleware())
	ag.POST("/sessions/:id/complete", api.complete, facultyMiddleware())
	ag.GET("/sessions/:id", api.liveStatus, facultyMiddleware())
	ag.PATCH("/records/:id", api.override, facultyMiddleware())

	// student side
	ag.GET("/sessions/active", api.activeSessions, studentMiddleware())
	ag.POST("/sessions/:id/wifi", api.submitWifi, studentMiddleware())
	ag.POST("/sessions/:id/location", api.submitLocation, studentMiddleware())
	ag.POST("/sessions/:id/face", api.submitFace, studentMiddleware())
}

func (api *attendanceAPI) activate(ctx echo.Context) error {
	var data attendance.NewSession
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewSession")
	}

	faculty, err := getContextUser(ctx, api.deps.UserSvc)
	if err != nil {
		return err
	}
	sess, err := api.deps.AttendanceSvc.ActivateSession(ctx.Request().Context(), faculty, data)
	if err != nil {
		return errors.Wrap(err, "activating session")
	}
	return ctx.JSON(http.StatusCreated, sess)
}

func (api *attendanceAPI) complete(ctx echo.Context) error {
	actor, err := getContextUser(ctx, api.deps.UserSvc)
	if err != nil {
		return err
	}
	fin, err := api.deps.AttendanceSvc.CompleteSession(ctx.Request().Context(), ctx.Param("id"), actor)
	if err != nil {
		return errors.Wrap(err, "completing session")
	}
	return ctx.JSON(http.StatusOK, fin)
}

func (api *attendanceAPI) liveStatus(ctx echo.Context) error {
	status, err := api.deps.AttendanceSvc.GetLiveStatus(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "getting session status")
	}
	return ctx.JSON(http.StatusOK, status)
}

func (api *attendanceAPI) override(ctx echo.Context) error {
	var data OverrideRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to OverrideRequest")
	}
	if err := api.deps.Validate.Struct(data); err != nil {
		return err
	}

	actor, err := getContextUser(ctx, api.deps.UserSvc)
	if err != nil {
		return err
	}
	rec, err := api.deps.AttendanceSvc.ManualOverride(ctx.Request().Context(), ctx.Param("id"), data.Status, actor, data.Reason)
	if err != nil {
		return errors.Wrap(err, "overriding record")
	}
	return ctx.JSON(http.StatusOK, rec)
}

func (api *attendanceAPI) activeSessions(ctx echo.Context) error {
	student, err := getContextUser(ctx, api.deps.UserSvc)
	if err != nil {
		return err
	}
	sessions, err := api.deps.AttendanceSvc.ActiveSessionsFor(ctx.Request().Context(), student)
	if err != nil {
		return errors.Wrap(err, "listing active sessions")
	}
	if sessions == nil {
		sessions = []attendance.JoinableSession{}
	}
	return ctx.JSON(http.StatusOK, sessions)
}

func (api *attendanceAPI) submitWifi(ctx echo.Context) error {
	var data WifiCheckRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to WifiCheckRequest")
	}
	if err := api.deps.Validate.Struct(data); err != nil {
		return err
	}
	if data.IPAddress == "" {
		data.IPAddress = ctx.RealIP()
	}

	claims, err := getContextClaims(ctx)
	if err != nil {
		return err
	}
	res, err := api.deps.AttendanceSvc.SubmitWifi(ctx.Request().Context(), ctx.Param("id"), claims.Subject, data.SSID, data.IPAddress)
	if err != nil {
		return errors.Wrap(err, "checking wifi")
	}
	return ctx.JSON(http.StatusOK, res)
}

func (api *attendanceAPI) submitLocation(ctx echo.Context) error {
	var data LocationCheckRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to LocationCheckRequest")
	}
	if err := api.deps.Validate.Struct(data); err != nil {
		return err
	}

	claims, err := getContextClaims(ctx)
	if err != nil {
		return err
	}
	res, err := api.deps.AttendanceSvc.SubmitLocation(ctx.Request().Context(), ctx.Param("id"), claims.Subject, data.Latitude, data.Longitude, data.Accuracy)
	if err != nil {
		return errors.Wrap(err, "checking location")
	}
	return ctx.JSON(http.StatusOK, res)
}

func (api *attendanceAPI) submitFace(ctx echo.Context) error {
	var data FaceCheckRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to FaceCheckRequest")
	}
	if err := api.deps.Validate.Struct(data); err != nil {
		return err
	}

	claims, err := getContextClaims(ctx)
	if err != nil {
		return err
	}
	res, err := api.deps.AttendanceSvc.SubmitFace(ctx.Request().Context(), ctx.Param("id"), claims.Subject, data.Descriptor)
	if err != nil {
		return errors.Wrap(err, "checking face")
	}
	return ctx.JSON(http.StatusOK, res)
}
