package providers

import (
	"strconv"

	"github.com/gofiber/fiber/v3"
)

// RegisterRoutes registers the reservation status routes via Fiber.
func (p *Storefront) RegisterRoutes(group fiber.Router) {
	group.Get("/reservations/status", p.handleStatus)
	group.Get("/reservations/availability/:eventId", p.handleEventAvailability)
	group.Get("/reservations/availability/:eventId/:categoryId", p.handleAvailability)
}

func (p *Storefront) handleStatus(c fiber.Ctx) error {
	s, err := p.Session()
	if err != nil {
		return unavailable(c, err)
	}
	snap := s.Snapshot()
	resp := fiber.Map{
		"storefront": p.ID(),
		"session":    snap,
	}
	if snap.Room != 0 {
		resp["availability"] = s.Feed().LatestForEvent(snap.Room)
	}
	return c.JSON(resp)
}

func (p *Storefront) handleEventAvailability(c fiber.Ctx) error {
	s, err := p.Session()
	if err != nil {
		return unavailable(c, err)
	}
	eventID, ok := int64Param(c, "eventId")
	if !ok {
		return badParam(c, "eventId")
	}
	return c.JSON(fiber.Map{
		"eventId":    eventID,
		"categories": s.Feed().LatestForEvent(eventID),
	})
}

func (p *Storefront) handleAvailability(c fiber.Ctx) error {
	s, err := p.Session()
	if err != nil {
		return unavailable(c, err)
	}
	eventID, ok := int64Param(c, "eventId")
	if !ok {
		return badParam(c, "eventId")
	}
	categoryID, ok := int64Param(c, "categoryId")
	if !ok {
		return badParam(c, "categoryId")
	}
	sample, found := s.Latest(eventID, categoryID)
	if !found {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   "not_found",
			"message": "no availability observed for this category",
		})
	}
	return c.JSON(sample)
}

func int64Param(c fiber.Ctx, name string) (int64, bool) {
	n, err := strconv.ParseInt(c.Params(name), 10, 64)
	return n, err == nil && n > 0
}

func badParam(c fiber.Ctx, name string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error":   "bad_request",
		"message": name + " must be a positive integer",
	})
}

func unavailable(c fiber.Ctx, err error) error {
	return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
		"error":   "unavailable",
		"message": err.Error(),
	})
}
