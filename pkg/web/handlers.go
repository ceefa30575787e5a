package web

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/picturear/pkg/camera"
	"github.com/teslashibe/picturear/pkg/coordinator"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error string `json:"error"`
}

// statusFor maps coordinator failures onto HTTP status codes.
func statusFor(err error) int {
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		return fe.Code
	case errors.Is(err, coordinator.ErrPermissionDenied):
		return fiber.StatusForbidden
	case errors.Is(err, camera.ErrUnknownDevice):
		return fiber.StatusNotFound
	case errors.Is(err, coordinator.ErrNotReady):
		return fiber.StatusConflict
	case errors.Is(err, coordinator.ErrTerminated):
		return fiber.StatusServiceUnavailable
	case errors.Is(err, coordinator.ErrEnumerationFailed), errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusBadGateway
	default:
		return fiber.StatusInternalServerError
	}
}

func (s *Server) handleError(c *fiber.Ctx, err error) error {
	code := statusFor(err)
	if code >= fiber.StatusInternalServerError {
		s.logger.Warn("request failed", "path", c.Path(), "error", err)
	}
	return c.Status(code).JSON(errorBody{Error: err.Error()})
}

func (s *Server) requestContext(c *fiber.Ctx) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.UserContext(), s.opts.RequestTimeout)
}

// handleStatus returns the coordinator status snapshot.
func (s *Server) handleStatus(c *fiber.Ctx) error {
	return c.JSON(s.opts.Controller.Status())
}

// handleCameras enumerates the cameras afresh.
func (s *Server) handleCameras(c *fiber.Ctx) error {
	ctx, cancel := s.requestContext(c)
	defer cancel()

	devices, err := s.opts.Controller.Cameras(ctx)
	if err != nil {
		return err
	}
	return c.JSON(devices)
}

// handleSelect switches to the camera in the path.
func (s *Server) handleSelect(c *fiber.Ctx) error {
	ctx, cancel := s.requestContext(c)
	defer cancel()

	id := c.Params("id")
	if err := s.opts.Controller.SwitchCamera(ctx, id); err != nil {
		return err
	}
	s.logger.Info("camera selected", "device", id)
	return c.Status(fiber.StatusAccepted).JSON(s.opts.Controller.Status())
}

// handleLifecycle applies a host transition: foreground or background.
func (s *Server) handleLifecycle(c *fiber.Ctx) error {
	ctx, cancel := s.requestContext(c)
	defer cancel()

	var err error
	switch t := c.Params("transition"); t {
	case "foreground":
		err = s.opts.Controller.Foreground(ctx)
	case "background":
		err = s.opts.Controller.Background(ctx)
	default:
		return fiber.NewError(fiber.StatusBadRequest, "unknown transition "+t)
	}
	if err != nil {
		return err
	}
	return c.JSON(s.opts.Controller.Status())
}

func (s *Server) handleGetConfig(c *fiber.Ctx) error {
	if s.opts.Settings == nil {
		return fiber.ErrNotFound
	}
	return c.JSON(s.opts.Settings.ConfigMap())
}

// handlePatchConfig applies a partial camera config update.
func (s *Server) handlePatchConfig(c *fiber.Ctx) error {
	if s.opts.Settings == nil {
		return fiber.ErrNotFound
	}
	var updates map[string]any
	if err := c.BodyParser(&updates); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body: "+err.Error())
	}
	if err := s.opts.Settings.UpdateConfig(updates); err != nil {
		return fiber.NewError(fiber.StatusUnprocessableEntity, err.Error())
	}
	return c.JSON(s.opts.Settings.ConfigMap())
}

// handleStatusWS sends the current status, then streams updates.
func (s *Server) handleStatusWS(c *websocket.Conn) {
	if err := c.WriteJSON(s.opts.Controller.Status()); err != nil {
		return
	}
	s.opts.Status.Serve(c)
}
