// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command ds1374-svc starts a TDAQ server publishing DS1374 wake-up alarms.
//
// While the run is started, the DS1374 alarm is re-armed every period and
// each expiry is published on the /alarms output.
//
// Usage: ds1374-svc [TDAQ-OPTIONS] <i2c-bus> <gpio-pin> [period]
//
// Example:
//
//	$> ds1374-svc -id ds1374 -rc-addr :44000 1 17 10s
package main // import "github.com/go-lpc/rtc/cmd/ds1374-svc"

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-daq/tdaq"
	"github.com/go-daq/tdaq/flags"
	tlog "github.com/go-daq/tdaq/log"
	"github.com/go-lpc/rtc/ds1374"
	"github.com/go-lpc/rtc/internal/gpio"
	"github.com/go-lpc/rtc/internal/i2c"
	"golang.org/x/sync/errgroup"
	mail "gopkg.in/gomail.v2"
)

const defaultPeriod = 10 * time.Second

func main() {
	cmd := flags.New()

	log.SetPrefix("ds1374-svc: ")
	log.SetFlags(0)

	dev, err := newService(cmd.Args)
	if err != nil {
		log.Fatalf("could not create service: %+v", err)
	}

	srv := tdaq.New(cmd, os.Stdout)
	srv.CmdHandle("/config", dev.OnConfig)
	srv.CmdHandle("/init", dev.OnInit)
	srv.CmdHandle("/reset", dev.OnReset)
	srv.CmdHandle("/start", dev.OnStart)
	srv.CmdHandle("/stop", dev.OnStop)
	srv.CmdHandle("/quit", dev.OnQuit)

	srv.OutputHandle("/alarms", dev.alarms)

	srv.RunHandle(dev.run)

	err = srv.Run(context.Background())
	if err != nil {
		log.Panicf("error: %+v", err)
	}
}

type alarmClock interface {
	Time() (time.Time, error)
	SetAlarm(t time.Time, enabled bool) error
	SetAlarmEnabled(enabled bool) error
	Close() error
}

// openRTC attaches to the DS1374 on the given bus, with its INT output
// wired to the given GPIO pin.
var openRTC = openRTCImpl

func openRTCImpl(bus, pin int, msg tlog.MsgStream, n ds1374.Notifier) (alarmClock, error) {
	link, err := i2c.Open(bus, 0x68)
	if err != nil {
		return nil, fmt.Errorf("could not open i2c device: %w", err)
	}

	line, err := gpio.Open(pin, gpio.Falling)
	if err != nil {
		_ = link.Close()
		return nil, fmt.Errorf("could not open interrupt line: %w", err)
	}

	rtc, err := ds1374.NewRTC(link,
		ds1374.WithIRQ(line),
		ds1374.WithMsgStream(msg),
		ds1374.WithNotifier(n),
	)
	if err != nil {
		_ = line.Close()
		_ = link.Close()
		return nil, err
	}

	dev := &rtcDevice{RTC: rtc, link: link, line: line}
	ctx, cancel := context.WithCancel(context.Background())
	dev.cancel = cancel
	dev.grp.Go(func() error {
		err := line.Watch(ctx, rtc.Interrupt)
		if errors.Is(err, gpio.ErrClosed) || errors.Is(err, context.Canceled) {
			err = nil
		}
		return err
	})

	return dev, nil
}

// rtcDevice is a DS1374 RTC together with its bus and interrupt line.
type rtcDevice struct {
	*ds1374.RTC

	link   *i2c.Device
	line   *gpio.Line
	cancel context.CancelFunc
	grp    errgroup.Group
}

func (dev *rtcDevice) Close() error {
	dev.cancel()

	err := dev.RTC.Close()
	if err != nil {
		return err
	}

	err = dev.grp.Wait()
	if err != nil {
		return fmt.Errorf("could not watch interrupt line: %w", err)
	}

	err = dev.link.Close()
	if err != nil {
		return fmt.Errorf("could not close i2c device: %w", err)
	}
	return nil
}

type service struct {
	bus    int
	pin    int
	period time.Duration

	mu      sync.Mutex
	rtc     alarmClock
	running bool
	n       int // number of expired alarms during the current run

	events chan struct{}
	data   chan []byte

	alerts int
	alert  func(subject, body string)
}

func newService(args []string) (*service, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("missing i2c bus and gpio pin arguments")
	}

	bus, err := strconv.Atoi(args[0])
	if err != nil {
		return nil, fmt.Errorf("invalid i2c bus %q: %w", args[0], err)
	}

	pin, err := strconv.Atoi(args[1])
	if err != nil {
		return nil, fmt.Errorf("invalid gpio pin %q: %w", args[1], err)
	}

	period := defaultPeriod
	if len(args) > 2 {
		period, err = time.ParseDuration(args[2])
		if err != nil {
			return nil, fmt.Errorf("invalid alarm period %q: %w", args[2], err)
		}
	}
	if period < time.Second {
		return nil, fmt.Errorf("invalid alarm period %v: must be at least 1s", period)
	}

	return &service{
		bus:    bus,
		pin:    pin,
		period: period,
		events: make(chan struct{}, 1),
		data:   make(chan []byte, 1024),
		alert:  alertMail,
	}, nil
}

// AlarmExpired records an alarm expiry for the run loop.
func (dev *service) AlarmExpired() {
	select {
	case dev.events <- struct{}{}:
	default:
	}
}

func (dev *service) OnConfig(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /config command...")

	dev.mu.Lock()
	defer dev.mu.Unlock()

	if dev.rtc != nil {
		err := dev.rtc.Close()
		dev.rtc = nil
		if err != nil {
			return fmt.Errorf("could not close previous DS1374 device: %w", err)
		}
	}

	rtc, err := openRTC(dev.bus, dev.pin, ctx.Msg, dev)
	if err != nil {
		return fmt.Errorf("could not open DS1374 device (bus=%d, gpio=%d): %w", dev.bus, dev.pin, err)
	}
	dev.rtc = rtc
	return nil
}

func (dev *service) OnInit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /init command...")

	dev.mu.Lock()
	defer dev.mu.Unlock()

	if dev.rtc == nil {
		return fmt.Errorf("DS1374 device not configured")
	}

	t, err := dev.rtc.Time()
	if err != nil {
		return fmt.Errorf("could not read DS1374 time: %w", err)
	}
	ctx.Msg.Infof("DS1374 time: %v (drift: %v)", t, t.Sub(time.Now().UTC().Truncate(time.Second)))
	dev.reset()
	return nil
}

func (dev *service) OnReset(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /reset command...")

	dev.mu.Lock()
	defer dev.mu.Unlock()

	dev.reset()
	if dev.rtc == nil {
		return nil
	}

	err := dev.rtc.SetAlarmEnabled(false)
	if err != nil {
		return fmt.Errorf("could not disable DS1374 alarm: %w", err)
	}
	return nil
}

// OnStart arms the first alarm of the run.
// The request body may carry the alarm period, in seconds, as a uint32.
func (dev *service) OnStart(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /start command...")

	dev.mu.Lock()
	defer dev.mu.Unlock()

	if dev.rtc == nil {
		return fmt.Errorf("DS1374 device not configured")
	}

	if len(req.Body) >= 4 {
		dec := tdaq.NewDecoder(bytes.NewReader(req.Body))
		sec := dec.ReadU32()
		if sec == 0 {
			return fmt.Errorf("invalid alarm period: 0s")
		}
		dev.period = time.Duration(sec) * time.Second
	}

	err := dev.arm()
	if err != nil {
		return err
	}
	dev.running = true
	dev.n = 0
	dev.alerts = 0
	return nil
}

func (dev *service) OnStop(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	ctx.Msg.Debugf("received /stop command... -> n=%d", dev.n)
	dev.running = false
	if dev.rtc == nil {
		return nil
	}

	err := dev.rtc.SetAlarmEnabled(false)
	if err != nil {
		return fmt.Errorf("could not disable DS1374 alarm: %w", err)
	}
	return nil
}

func (dev *service) OnQuit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /quit command...")

	dev.mu.Lock()
	defer dev.mu.Unlock()

	dev.running = false
	if dev.rtc == nil {
		return nil
	}

	err := dev.rtc.Close()
	dev.rtc = nil
	if err != nil {
		return fmt.Errorf("could not close DS1374 device: %w", err)
	}
	return nil
}

func (dev *service) alarms(ctx tdaq.Context, dst *tdaq.Frame) error {
	select {
	case <-ctx.Ctx.Done():
		dst.Body = nil
		return nil
	case data := <-dev.data:
		dst.Body = data
	}
	return nil
}

func (dev *service) run(ctx tdaq.Context) error {
	for {
		select {
		case <-ctx.Ctx.Done():
			return nil
		case <-dev.events:
			err := dev.expired(ctx)
			if err != nil {
				return err
			}
		}
	}
}

// expired publishes an alarm expiry and re-arms the alarm if the run is
// still going on.
func (dev *service) expired(ctx tdaq.Context) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	if !dev.running || dev.rtc == nil {
		return nil
	}

	t, err := dev.rtc.Time()
	if err != nil {
		return fmt.Errorf("could not read DS1374 time: %w", err)
	}
	dev.n++
	ctx.Msg.Debugf("alarm #%d expired at %v", dev.n, t)

	select {
	case dev.data <- encodeAlarm(t, dev.n):
	default:
		ctx.Msg.Warnf("dropping alarm #%d: output queue full", dev.n)
	}

	const maxAlerts = 5
	if dev.alerts < maxAlerts && dev.alert != nil {
		dev.alerts++
		dev.alert(
			fmt.Sprintf("[ds1374-svc] alarm #%d expired", dev.n),
			fmt.Sprintf("time:   %v\nperiod: %v\nbus:    %d\ngpio:   %d", t, dev.period, dev.bus, dev.pin),
		)
	}

	return dev.arm()
}

func (dev *service) arm() error {
	t, err := dev.rtc.Time()
	if err != nil {
		return fmt.Errorf("could not read DS1374 time: %w", err)
	}

	err = dev.rtc.SetAlarm(t.Add(dev.period), true)
	if err != nil {
		return fmt.Errorf("could not arm DS1374 alarm: %w", err)
	}
	return nil
}

func (dev *service) reset() {
	dev.n = 0
	dev.alerts = 0
	for {
		select {
		case <-dev.data:
		case <-dev.events:
		default:
			return
		}
	}
}

// encodeAlarm encodes an alarm expiry as the unix time of the expiry
// (int64) followed by the alarm sequence number (uint32), little-endian.
func encodeAlarm(t time.Time, n int) []byte {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint64(buf[0:], uint64(t.Unix()))
	binary.LittleEndian.PutUint32(buf[8:], uint32(n))
	return buf
}

var (
	alertMailUsr  = os.Getenv("MAIL_USERNAME")
	alertMailPwd  = os.Getenv("MAIL_PASSWORD")
	alertMailSrv  = os.Getenv("MAIL_SERVER")
	alertMailPort = atoi(os.Getenv("MAIL_PORT"))
	alertMailTgts = strings.Split(os.Getenv("MAIL_TGTS"), ",")
)

func alertMail(subject, body string) {
	if alertMailUsr == "" || alertMailPwd == "" ||
		alertMailSrv == "" || alertMailPort == 0 ||
		len(alertMailTgts) == 0 || alertMailTgts[0] == "" {
		return
	}

	msg := mail.NewMessage()
	msg.SetHeader("From", alertMailUsr)
	msg.SetHeader("Bcc", alertMailTgts...)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/plain", body)

	dial := mail.NewDialer(alertMailSrv, alertMailPort, alertMailUsr, alertMailPwd)
	dial.TLSConfig = &tls.Config{
		InsecureSkipVerify: true,
	}
	go func() {
		err := dial.DialAndSend(msg)
		if err != nil {
			log.Printf("could not send mail alert: %+v", err)
		}
	}()
}

func atoi(s string) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return v
}
