// Package ft60x drives the FTDI FT601 USB3 FIFO chip through gousb and
// exposes it as a raw byte transport. The chip must be in FT245 synchronous
// FIFO mode with a single channel; anything else is reconfigured on open.
package ft60x

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/gousb"
	"github.com/rs/zerolog"

	"github.com/sjalloq/ft601/internal/bridge"
	"github.com/sjalloq/ft601/internal/logging"
)

const (
	// "ID 0403:601f Future Technology Devices International, Ltd"
	vendorID  = 0x0403
	productID = 0x601f

	sessionInterfaceNum = 0
	sessionInterfaceAlt = 0
	sessionOutEndpoint  = 1

	dataInterfaceNum = 1
	dataInterfaceAlt = 0
	dataOutEndpoint  = 2
	dataInEndpoint   = 2
	// The read command addresses the IN pipe by its endpoint address.
	dataInPipeID = 0x82

	writeTimeout = time.Second
)

const (
	rTypeControlIn  uint8 = gousb.ControlIn | gousb.ControlVendor | gousb.ControlInterface
	rTypeControlOut uint8 = gousb.ControlOut | gousb.ControlVendor | gousb.ControlInterface

	reqChipConfiguration uint8 = 0xcf

	getChipConfigValue uint16 = 1
	setChipConfigValue uint16 = 0
)

// chipConfiguration mirrors the FT60x configuration block returned by the
// vendor control request, little-endian on the wire.
type chipConfiguration struct {
	VendorID                  uint16
	ProductID                 uint16
	StringDescriptors         [128]byte
	Reserved                  uint8
	PowerAttributes           uint8
	PowerConsumption          uint16
	Reserved2                 uint8
	FIFOClock                 uint8
	FIFOMode                  uint8
	ChannelConfig             uint8
	OptionalFeatureSupport    uint16
	BatteryChargingGPIOConfig uint8
	FlashEEPROMDetection      uint8
	MSIOControl               uint32
	GPIOControl               uint32
}

const (
	fifoMode245 uint8 = 0

	channelConfig1 uint8 = 2

	optionalFeaturesDisabled uint16 = 0
)

// controlRequest is the ft60x_ctrlreq command block sent on the session OUT
// endpoint ahead of every data IN transfer.
type controlRequest struct {
	Idx  uint32
	Pipe uint8
	Cmd  uint8
	_    uint8
	_    uint8
	Len  uint32
	_    uint32
	_    uint32
}

const ctrlReqReadCmd uint8 = 1

// Device is one open FT601, usable as a bridge transport. Not safe for
// concurrent use; the bridge serializes access.
type Device struct {
	ctx *gousb.Context
	dev *gousb.Device
	cfg *gousb.Config

	sessIntf  *gousb.Interface
	sessOutEp *gousb.OutEndpoint

	dataIntf  *gousb.Interface
	dataOutEp *gousb.OutEndpoint
	dataInEp  *gousb.InEndpoint

	readIdx uint32
	log     zerolog.Logger
}

var _ bridge.Transport = (*Device)(nil)

func matchFT601(desc *gousb.DeviceDesc) bool {
	return desc.Vendor == gousb.ID(vendorID) && desc.Product == gousb.ID(productID)
}

// List enumerates attached FT601 devices and returns one bus/address
// description per device, in enumeration order.
func List() ([]string, error) {
	ctx := gousb.NewContext()
	defer ctx.Close()

	devs, err := ctx.OpenDevices(matchFT601)
	if err != nil {
		// OpenDevices can report per-device errors while still returning
		// the devices it could open.
		for _, d := range devs {
			d.Close()
		}
		return nil, fmt.Errorf("ft60x: enumerate: %w", err)
	}
	var out []string
	for _, d := range devs {
		out = append(out, fmt.Sprintf("bus %03d addr %03d", d.Desc.Bus, d.Desc.Address))
		d.Close()
	}
	return out, nil
}

// Open claims the first attached FT601.
func Open() (*Device, error) {
	return OpenIndex(0)
}

// OpenIndex claims the index-th attached FT601 in enumeration order.
// Returns bridge.ErrNoDevice when fewer than index+1 devices are attached.
func OpenIndex(index int) (*Device, error) {
	ctx := gousb.NewContext()

	devs, err := ctx.OpenDevices(matchFT601)
	if err != nil && len(devs) == 0 {
		ctx.Close()
		return nil, fmt.Errorf("ft60x: enumerate: %w", err)
	}
	if index < 0 || index >= len(devs) {
		for _, d := range devs {
			d.Close()
		}
		ctx.Close()
		return nil, fmt.Errorf("%w: index %d, %d attached", bridge.ErrNoDevice, index, len(devs))
	}
	for i, d := range devs {
		if i != index {
			d.Close()
		}
	}

	dev := &Device{
		ctx: ctx,
		dev: devs[index],
		log: logging.Component("ft60x"),
	}
	ok := false
	defer func() {
		if !ok {
			dev.Close()
		}
	}()

	if err := dev.claim(); err != nil {
		return nil, fmt.Errorf("ft60x: claim usb resources: %w", err)
	}
	if err := dev.configure(); err != nil {
		return nil, fmt.Errorf("ft60x: chip configuration: %w", err)
	}
	dev.log.Info().
		Int("bus", dev.dev.Desc.Bus).
		Int("addr", dev.dev.Desc.Address).
		Msg("device opened")
	ok = true
	return dev, nil
}

func (d *Device) claim() error {
	cfgNum, err := d.dev.ActiveConfigNum()
	if err != nil {
		return fmt.Errorf("active config: %w", err)
	}
	d.cfg, err = d.dev.Config(cfgNum)
	if err != nil {
		return fmt.Errorf("claim config %d: %w", cfgNum, err)
	}
	d.sessIntf, err = d.cfg.Interface(sessionInterfaceNum, sessionInterfaceAlt)
	if err != nil {
		return fmt.Errorf("claim session interface: %w", err)
	}
	d.sessOutEp, err = d.sessIntf.OutEndpoint(sessionOutEndpoint)
	if err != nil {
		return fmt.Errorf("session out endpoint: %w", err)
	}
	d.dataIntf, err = d.cfg.Interface(dataInterfaceNum, dataInterfaceAlt)
	if err != nil {
		return fmt.Errorf("claim data interface: %w", err)
	}
	d.dataOutEp, err = d.dataIntf.OutEndpoint(dataOutEndpoint)
	if err != nil {
		return fmt.Errorf("data out endpoint: %w", err)
	}
	d.dataInEp, err = d.dataIntf.InEndpoint(dataInEndpoint)
	if err != nil {
		return fmt.Errorf("data in endpoint: %w", err)
	}
	return nil
}

// configure verifies the chip runs FT245 FIFO mode with one channel and no
// optional features, rewriting the configuration when it does not. The chip
// re-enumerates after a rewrite, so the caller should retry the open.
func (d *Device) configure() error {
	var conf chipConfiguration
	if err := d.getChipConfiguration(&conf); err != nil {
		return err
	}
	if configurationUsable(&conf) {
		return nil
	}

	d.log.Warn().
		Uint8("fifo_mode", conf.FIFOMode).
		Uint8("channel_config", conf.ChannelConfig).
		Msg("rewriting chip configuration to 245 FIFO, single channel")
	conf.FIFOMode = fifoMode245
	conf.ChannelConfig = channelConfig1
	conf.OptionalFeatureSupport = optionalFeaturesDisabled
	return d.setChipConfiguration(&conf)
}

func configurationUsable(conf *chipConfiguration) bool {
	return conf.FIFOMode == fifoMode245 &&
		conf.ChannelConfig == channelConfig1 &&
		conf.OptionalFeatureSupport == optionalFeaturesDisabled
}

func (d *Device) getChipConfiguration(conf *chipConfiguration) error {
	buf := make([]byte, binary.Size(conf))
	n, err := d.dev.Control(rTypeControlIn, reqChipConfiguration, getChipConfigValue, 0, buf)
	if err != nil {
		return fmt.Errorf("get chip config: %w", err)
	}
	if n != len(buf) {
		return fmt.Errorf("get chip config: short read, %d of %d bytes", n, len(buf))
	}
	return binary.Read(bytes.NewReader(buf), binary.LittleEndian, conf)
}

func (d *Device) setChipConfiguration(conf *chipConfiguration) error {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, conf); err != nil {
		return err
	}
	n, err := d.dev.Control(rTypeControlOut, reqChipConfiguration, setChipConfigValue, 0, buf.Bytes())
	if err != nil {
		return fmt.Errorf("set chip config: %w", err)
	}
	if n != buf.Len() {
		return fmt.Errorf("set chip config: short write, %d of %d bytes", n, buf.Len())
	}
	return nil
}

// encodeReadRequest builds the command block asking the chip to make up to
// size bytes available on the data IN pipe.
func encodeReadRequest(idx uint32, size int) []byte {
	req := controlRequest{
		Idx:  idx,
		Pipe: dataInPipeID,
		Cmd:  ctrlReqReadCmd,
		Len:  uint32(size),
	}
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, req)
	return buf.Bytes()
}

// Write pushes p to the data OUT endpoint.
func (d *Device) Write(p []byte) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	n, err := d.dataOutEp.WriteContext(ctx, p)
	if err != nil {
		return n, fmt.Errorf("ft60x: write: %w", err)
	}
	if n != len(p) {
		return n, fmt.Errorf("ft60x: write: short write, %d of %d bytes", n, len(p))
	}
	return n, nil
}

// Read submits a read command for len(p) bytes and waits up to timeout for
// the chip to deliver. A transfer that times out returns (0, nil); nothing
// arrived, which is routine when the FPGA has no response pending.
func (d *Device) Read(p []byte, timeout time.Duration) (int, error) {
	d.readIdx++
	req := encodeReadRequest(d.readIdx, len(p))

	wCtx, wCancel := context.WithTimeout(context.Background(), writeTimeout)
	defer wCancel()
	if n, err := d.sessOutEp.WriteContext(wCtx, req); err != nil || n != len(req) {
		return 0, fmt.Errorf("ft60x: read command: wrote %d of %d bytes: %w", n, len(req), err)
	}

	rCtx, rCancel := context.WithTimeout(context.Background(), timeout)
	defer rCancel()
	n, err := d.dataInEp.ReadContext(rCtx, p)
	if err == gousb.TransferCancelled {
		return 0, nil
	}
	if err != nil {
		return n, fmt.Errorf("ft60x: read: %w", err)
	}
	return n, nil
}

// Close releases all claimed USB resources.
func (d *Device) Close() error {
	if d.dataIntf != nil {
		d.dataIntf.Close()
		d.dataIntf = nil
	}
	if d.sessIntf != nil {
		d.sessIntf.Close()
		d.sessIntf = nil
	}
	if d.cfg != nil {
		d.cfg.Close()
		d.cfg = nil
	}
	if d.dev != nil {
		d.dev.Close()
		d.dev = nil
	}
	if d.ctx != nil {
		d.ctx.Close()
		d.ctx = nil
	}
	return nil
}
