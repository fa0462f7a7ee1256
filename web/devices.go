// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/soothill/energy-meter-gateway/meter"
	gerrors "github.com/soothill/energy-meter-gateway/pkg/errors"
)

// deviceRequest is the JSON body accepted when creating a meter. The option
// bags stay raw; the protocol plugin validates them during construction.
type deviceRequest struct {
	ID                   int                `json:"id"`
	Name                 string             `json:"name" binding:"required"`
	Protocol             string             `json:"protocol" binding:"required"`
	Type                 string             `json:"type" binding:"required"`
	Options              meter.MeterOptions `json:"options"`
	CommunicationOptions json.RawMessage    `json:"communication_options"`
	Nodes                []nodeRequest      `json:"nodes"`
}

type nodeRequest struct {
	Name       string             `json:"name" binding:"required"`
	Protocol   string             `json:"protocol" binding:"required"`
	Config     meter.RecordConfig `json:"config"`
	Options    json.RawMessage    `json:"protocol_options"`
	Attributes map[string]any     `json:"attributes"`
}

func (s *Server) deviceFromPath(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid device id"})
		return 0, false
	}
	return id, true
}

func (s *Server) handleListDevices(c *gin.Context) {
	devices := s.manager.List()
	payload := make([]map[string]any, 0, len(devices))
	for _, device := range devices {
		payload = append(payload, device.Device())
	}
	c.JSON(http.StatusOK, payload)
}

func (s *Server) handleGetDevice(c *gin.Context) {
	id, ok := s.deviceFromPath(c)
	if !ok {
		return
	}
	device, found := s.manager.Get(id)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
		return
	}
	c.JSON(http.StatusOK, device.Device())
}

func (s *Server) handleCreateDevice(c *gin.Context) {
	var request deviceRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	record := meter.MeterRecord{
		ID:                   request.ID,
		Name:                 request.Name,
		Protocol:             meter.Protocol(request.Protocol),
		Type:                 meter.MeterType(request.Type),
		Options:              request.Options,
		CommunicationOptions: request.CommunicationOptions,
	}
	for _, node := range request.Nodes {
		record.Nodes = append(record.Nodes, meter.NodeRecord{
			Name:       node.Name,
			Protocol:   meter.Protocol(node.Protocol),
			Config:     node.Config,
			Options:    node.Options,
			Attributes: node.Attributes,
		})
	}

	device, err := s.manager.CreateMeter(record)
	if err != nil {
		status := http.StatusInternalServerError
		if gerrors.IsValidationError(err) || errors.Is(err, gerrors.ErrUnimplemented) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, device.Device())
}

func (s *Server) handleDeleteDevice(c *gin.Context) {
	id, ok := s.deviceFromPath(c)
	if !ok {
		return
	}
	if err := s.manager.DeleteMeter(id); err != nil {
		if errors.Is(err, gerrors.ErrDeviceNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleDeviceNodes(c *gin.Context) {
	id, ok := s.deviceFromPath(c)
	if !ok {
		return
	}
	device, found := s.manager.Get(id)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
		return
	}

	payload := map[string]any{}
	for name, node := range device.Nodes().Nodes {
		payload[name] = node.PublishFormat()
	}
	c.JSON(http.StatusOK, payload)
}

func (s *Server) handleNodeInfo(c *gin.Context) {
	id, ok := s.deviceFromPath(c)
	if !ok {
		return
	}
	device, found := s.manager.Get(id)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
		return
	}

	node := device.Nodes().Get(c.Param("name"))
	if node == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "node not found"})
		return
	}
	c.JSON(http.StatusOK, node.ExtendedInfo())
}

// handleEnergy serves historical energy consumption with derived power
// factor over a time span.
//
// Query parameters: phase (L1/L2/L3/Total/Singlephase/General), direction
// (Forward/Reverse/Total), start and end (RFC3339), step (minutes; presence
// selects formatted output).
func (s *Server) handleEnergy(c *gin.Context) {
	id, ok := s.deviceFromPath(c)
	if !ok {
		return
	}
	device, found := s.manager.Get(id)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
		return
	}

	phase := meter.Phase(c.DefaultQuery("phase", string(meter.PhaseTotal)))
	if !phase.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid phase"})
		return
	}
	direction := meter.NodeDirection(c.DefaultQuery("direction", string(meter.DirectionTotal)))

	start, err := time.Parse(time.RFC3339, c.Query("start"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid start time"})
		return
	}
	end, err := time.Parse(time.RFC3339, c.Query("end"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid end time"})
		return
	}

	span := meter.TimeSpan{Start: start, End: end}
	if step := c.Query("step"); step != "" {
		minutes, err := strconv.Atoi(step)
		if err != nil || minutes <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid step"})
			return
		}
		span.Formatted = true
		span.StepMinutes = minutes
	}

	result, err := meter.EnergyConsumption(c.Request.Context(), device, phase, direction, s.querier, span)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}
