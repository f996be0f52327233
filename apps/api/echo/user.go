package echoapi

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/uwepo/core/user"
)

type (
	LoginRequest struct {
		Username string `json:"username" validate:"required"`
		Password string `json:"password" validate:"required"`
	}

	LoginResponse struct {
		Token string `json:"token"`
	}
)

type userAPI struct {
	deps ServerDeps
}

func registerUserAPI(g *echo.Group, jwt echo.MiddlewareFunc, deps ServerDeps) {
	api := userAPI{deps: deps}

	ug := g.Group("/users")
	ug.POST("/login", api.login)

	ag := ug.Group("", jwt)
	ag.POST("/token-refresh", api.refreshToken)
	ag.POST("/register", api.create, adminMiddleware())
	ag.GET("", api.query, adminMiddleware())
	ag.GET("/me", api.me)
}

func (api *userAPI) login(ctx echo.Context) error {
	var data LoginRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to LoginRequest")
	}
	if err := api.deps.Validate.Struct(data); err != nil {
		return err
	}

	claims, err := authenticate(ctx.Request().Context(), data.Username, data.Password, api.deps.Conf, api.deps.UserSvc)
	if err != nil {
		return err
	}
	token, err := GenerateToken(api.deps.Conf, claims)
	if err != nil {
		return errors.Wrap(err, "generating token")
	}
	return ctx.JSON(http.StatusOK, LoginResponse{Token: token})
}

func (api *userAPI) refreshToken(ctx echo.Context) error {
	token, err := refreshToken(ctx, api.deps.Conf, api.deps.UserSvc)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, LoginResponse{Token: token})
}

func (api *userAPI) create(ctx echo.Context) error {
	var data user.NewUser
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewUser")
	}

	usr, err := api.deps.UserSvc.Create(ctx.Request().Context(), data)
	if err != nil {
		return errors.Wrap(err, "creating user")
	}
	return ctx.JSON(http.StatusCreated, usr)
}

func (api *userAPI) query(ctx echo.Context) error {
	filter := user.QueryFilter{
		RolePrefix: ctx.QueryParam("role"),
		Branch:     ctx.QueryParam("branch"),
		Section:    ctx.QueryParam("section"),
		Search:     ctx.QueryParam("search"),
	}
	if sem := ctx.QueryParam("semester"); sem != "" {
		n, err := strconv.Atoi(sem)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid semester")
		}
		filter.Semester = n
	}
	if active := ctx.QueryParam("is_active"); active != "" {
		b, err := strconv.ParseBool(active)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid is_active")
		}
		filter.IsActive = &b
	}

	users, err := api.deps.UserSvc.Filter(ctx.Request().Context(), filter)
	if err != nil {
		return errors.Wrap(err, "filtering users")
	}
	if users == nil {
		users = []user.User{}
	}
	return ctx.JSON(http.StatusOK, users)
}

func (api *userAPI) me(ctx echo.Context) error {
	usr, err := getContextUser(ctx, api.deps.UserSvc)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, usr)
}
