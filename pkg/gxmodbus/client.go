package gxmodbus

import (
	"fmt"
	"sync"
	"time"

	"github.com/simonvetter/modbus"
	"go.uber.org/zap"
)

// RegisterClient is the subset of *modbus.ModbusClient used by Client.
type RegisterClient interface {
	Open() error
	Close() error
	SetUnitId(id uint8) error
	ReadRegisters(addr uint16, quantity uint16, regType modbus.RegType) ([]uint16, error)
	WriteRegisters(addr uint16, values []uint16) error
}

type ModbusInstrument struct {
	RecordTime func(fnName string, readTime time.Duration)
}

// Client reads and writes typed registers of several units sharing one TCP connection.
type Client struct {
	mu         sync.Mutex
	client     RegisterClient
	unitId     uint8
	instrument []ModbusInstrument
}

func NewClient(client RegisterClient, instrument ...ModbusInstrument) *Client {
	return &Client{client: client, instrument: instrument}
}

func traceLoggerInstrumentation(logger *zap.Logger) ModbusInstrument {
	return ModbusInstrument{
		RecordTime: func(fnName string, readTime time.Duration) {
			logger.Debug(fmt.Sprintf("modbus [%s]: %d millis", fnName, readTime.Milliseconds()))
		},
	}
}

// Dial creates a TCP client for a Venus GX modbus server.
func Dial(host string, port uint, timeout time.Duration, logger *zap.Logger) (*Client, error) {
	client, err := modbus.NewClient(&modbus.ClientConfiguration{
		URL:     fmt.Sprintf("tcp://%s:%d", host, port),
		Timeout: timeout,
	})
	if err != nil {
		return nil, err
	}
	return NewClient(client, traceLoggerInstrumentation(logger.With(zap.String("target", "gx")))), nil
}

func (c *Client) Open() error {
	return c.client.Open()
}

func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) selectUnit(unitId uint8) error {
	if c.unitId == unitId {
		return nil
	}
	if err := c.client.SetUnitId(unitId); err != nil {
		return err
	}
	c.unitId = unitId
	return nil
}

// Read returns the register decoded and divided by its scale.
func (c *Client) Read(unitId uint8, reg Register) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.selectUnit(unitId); err != nil {
		return nil, err
	}
	regType := modbus.HOLDING_REGISTER
	if reg.Input {
		regType = modbus.INPUT_REGISTER
	}
	defer RecordTimer("ReadRegisters", c.instrument)()
	words, err := c.client.ReadRegisters(reg.Address, reg.Quantity(), regType)
	if err != nil {
		return nil, err
	}
	return reg.Decode(words)
}

func (c *Client) Write(unitId uint8, reg Register, value any) error {
	words, err := reg.Encode(value)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.selectUnit(unitId); err != nil {
		return err
	}
	defer RecordTimer("WriteRegisters", c.instrument)()
	return c.client.WriteRegisters(reg.Address, words)
}

func RecordTimer(name string, instrument []ModbusInstrument) func() {
	if instrument == nil {
		return func() {}
	}

	start := time.Now()
	return func() {
		duration := time.Since(start)
		for i := range instrument {
			instrument[i].RecordTime(name, duration)
		}
	}
}
