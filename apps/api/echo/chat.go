package echoapi

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/masomo/campus/core/chat"
	"github.com/masomo/campus/core/user"
)

type chatApi struct {
	svc      chat.Service
	usrSvc   user.Service
	validate *validator.Validate
}

func registerChatAPI(
	g *echo.Group,
	jwt echo.MiddlewareFunc,
	svc chat.Service,
	usrSvc user.Service,
	validate *validator.Validate,
) {
	api := chatApi{
		svc:      svc,
		usrSvc:   usrSvc,
		validate: validate,
	}

	cg := g.Group("/chat/conversations", jwt, activeUserMiddleware(usrSvc))
	cg.GET("", api.listConversations)
	cg.POST("", api.createConversation)
	cg.GET("/:id", api.retrieveConversation)
	cg.GET("/:id/messages", api.listMessages)
	cg.POST("/:id/messages", api.sendMessage)
	cg.POST("/:id/read", api.markRead)
}

// Handlers

func (api *chatApi) listConversations(ctx echo.Context) error {
	usr, err := getContextUser(ctx, api.usrSvc)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}

	convs, err := api.svc.ListConversations(ctx.Request().Context(), usr)
	if err != nil {
		return errors.Wrap(err, "listing conversations")
	}
	return respond(ctx, http.StatusOK, convs)
}

func (api *chatApi) createConversation(ctx echo.Context) error {
	usr, err := getContextUser(ctx, api.usrSvc)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}

	var data chat.NewConversation
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewConversation")
	}

	conv, created, err := api.svc.CreateConversation(ctx.Request().Context(), usr, data)
	if err != nil {
		return errors.Wrap(err, "creating conversation")
	}
	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	return respond(ctx, code, conv)
}

func (api *chatApi) retrieveConversation(ctx echo.Context) error {
	usr, err := getContextUser(ctx, api.usrSvc)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}

	conv, err := api.svc.GetConversation(ctx.Request().Context(), usr, ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "getting conversation")
	}
	return respond(ctx, http.StatusOK, conv)
}

func (api *chatApi) listMessages(ctx echo.Context) error {
	usr, err := getContextUser(ctx, api.usrSvc)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}
	req, err := bindPagination(ctx, api.validate)
	if err != nil {
		return err
	}

	page, err := api.svc.ListMessages(ctx.Request().Context(), usr, ctx.Param("id"), req)
	if err != nil {
		return errors.Wrap(err, "listing messages")
	}
	return respond(ctx, http.StatusOK, page)
}

func (api *chatApi) sendMessage(ctx echo.Context) error {
	usr, err := getContextUser(ctx, api.usrSvc)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}

	var data chat.NewMessage
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewMessage")
	}
	data.ConversationID = ctx.Param("id")

	msg, err := api.svc.SendMessage(ctx.Request().Context(), usr, data)
	if err != nil {
		return errors.Wrap(err, "sending message")
	}
	return respond(ctx, http.StatusCreated, msg)
}

func (api *chatApi) markRead(ctx echo.Context) error {
	usr, err := getContextUser(ctx, api.usrSvc)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}

	if err = api.svc.MarkRead(ctx.Request().Context(), usr, ctx.Param("id")); err != nil {
		return errors.Wrap(err, "marking conversation read")
	}
	return respond(ctx, http.StatusOK, nil)
}
