package services

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"gacha-live-system/models"

	"github.com/gofiber/fiber/v2"
)

// StreamService bridges Fiber SSE transports onto the broadcast hub:
// write headers, send the initial snapshot, then drain the connection's
// outbound channel until either side goes away.
type StreamService struct {
	Gachas *GachaService
	Hub    *BroadcastHub
}

func NewStreamService(gachas *GachaService, hub *BroadcastHub) *StreamService {
	return &StreamService{Gachas: gachas, Hub: hub}
}

// StreamGachaStock streams live stock updates for one gacha.
// GET /gachas/:id/stock/stream
func (s *StreamService) StreamGachaStock(c *fiber.Ctx) error {
	gachaID, err := parseGachaID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid gacha id"})
	}
	if _, err := s.Gachas.GetPublicGacha(gachaID); err != nil {
		if errors.Is(err, ErrGachaNotFound) || errors.Is(err, ErrGachaNotPublic) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "gacha not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "DB error fetching gacha",
			"cause": err.Error(),
		})
	}

	return s.stream(c, []string{GachaChannel(gachaID)}, func() (interface{}, error) {
		items, err := s.Gachas.StockSnapshot(gachaID)
		if err != nil {
			return nil, err
		}
		return NewStockUpdateEvent(gachaID, items), nil
	})
}

// StreamAllStock streams stock updates across every published gacha.
// GET /gachas/stock/stream
func (s *StreamService) StreamAllStock(c *fiber.Ctx) error {
	return s.stream(c, []string{AllStockChannel}, func() (interface{}, error) {
		items, err := s.Gachas.AllStockSnapshot()
		if err != nil {
			return nil, err
		}
		return groupStockByGacha(items), nil
	})
}

func groupStockByGacha(items []models.GachaItem) []*StockUpdateEvent {
	byGacha := make(map[uint][]models.GachaItem)
	var order []uint
	for _, item := range items {
		if _, seen := byGacha[item.GachaID]; !seen {
			order = append(order, item.GachaID)
		}
		byGacha[item.GachaID] = append(byGacha[item.GachaID], item)
	}
	events := make([]*StockUpdateEvent, 0, len(order))
	for _, gachaID := range order {
		events = append(events, NewStockUpdateEvent(gachaID, byGacha[gachaID]))
	}
	return events
}

func (s *StreamService) stream(c *fiber.Ctx, channels []string, snapshot func() (interface{}, error)) error {
	userID, _ := c.Locals("user_id").(string)

	// SSE headers
	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no") // nginx

	conn := s.Hub.Register(userID)
	for _, channel := range channels {
		s.Hub.Subscribe(conn.ID, channel)
	}

	ctx := c.Context()

	// Use fasthttp stream writer (THIS replaces Flush)
	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer s.Hub.Remove(conn.ID)

		initial, err := snapshot()
		if err != nil {
			log.Printf("[Stream] snapshot failed for connection %s: %v", conn.ID, err)
			return
		}
		payload, _ := json.Marshal(initial)
		fmt.Fprintf(w, "event: initial-stock\ndata: %s\n\n", payload)
		if err := w.Flush(); err != nil {
			return
		}
		// Headers and snapshot written: the connection is open.
		conn.MarkOpen()

		idle := time.NewTicker(30 * time.Second)
		defer idle.Stop()

		for {
			select {
			case ev := <-conn.Out():
				if ev.Type == "ping" {
					w.WriteString(":\n\n")
				} else {
					fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, ev.Data)
				}
				if err := w.Flush(); err != nil {
					// Client disconnected
					return
				}
				conn.Touch()

			case <-idle.C:
				// Comment-line keepalive when nothing was published.
				w.WriteString(":\n\n")
				if err := w.Flush(); err != nil {
					return
				}
				conn.Touch()

			case <-conn.Done():
				return

			case <-ctx.Done():
				return
			}
		}
	})

	return nil
}
