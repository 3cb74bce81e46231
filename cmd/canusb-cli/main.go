// Command canusb-cli is an interactive diagnostics shell for a locally
// attached CANUSB adapter. It speaks to the device directly over its
// serial port, bypassing the TCP server.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/abiosoft/ishell"

	"github.com/kstaniek/go-canusb-server/internal/can"
	"github.com/kstaniek/go-canusb-server/internal/canusb"
	"github.com/kstaniek/go-canusb-server/internal/serial"
)

const sessionKey = "$session"

type session struct {
	transport *serial.Transport
	lock      *serial.DeviceLock
	bm        *canusb.BusManager
	trx       *canusb.Transceiver
	busOn     bool
	lastIdx   int
	sent      uint64
	received  uint64
}

func sessionFrom(c *ishell.Context) *session {
	return c.Get(sessionKey).(*session)
}

func main() {
	dev := flag.String("serial", "/dev/ttyUSB0", "Serial device path of the CANUSB adapter")
	baud := flag.Int("serial-baud", 115200, "Serial baud rate")
	readTO := flag.Duration("serial-read-timeout", 50*time.Millisecond, "Serial read timeout")
	ringSize := flag.Int("message-ring", 256, "Decoded message ring capacity")
	flag.Parse()

	lock, err := serial.LockDevice(*dev)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lock %s: %v\n", *dev, err)
		os.Exit(1)
	}
	sp, err := serial.Open(*dev, *baud, *readTO)
	if err != nil {
		_ = lock.Release()
		fmt.Fprintf(os.Stderr, "open %s: %v\n", *dev, err)
		os.Exit(1)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr := serial.NewTransport(ctx, sp, serial.DefaultRingSize)
	adapter := canusb.NewAdapter(tr)
	bm, err := adapter.AcquireBusManager()
	if err != nil {
		fmt.Fprintf(os.Stderr, "acquire bus manager: %v\n", err)
		os.Exit(1)
	}
	trx, err := adapter.AcquireTransceiver(*ringSize)
	if err != nil {
		fmt.Fprintf(os.Stderr, "acquire transceiver: %v\n", err)
		os.Exit(1)
	}
	s := &session{transport: tr, lock: lock, bm: bm, trx: trx}

	sh := ishell.New()
	sh.Println("canusb-cli, type 'help' for commands")
	sh.SetPrompt(fmt.Sprintf("%s > ", *dev))
	sh.Set(sessionKey, s)
	sh.AddCmd(&bitrateCmd)
	sh.AddCmd(&bitratesCmd)
	sh.AddCmd(&openCmd)
	sh.AddCmd(&sendCmd)
	sh.AddCmd(&dumpCmd)
	sh.AddCmd(&statusCmd)
	sh.Run()

	_ = tr.Close()
	_ = lock.Release()
}

var bitrateCmd = ishell.Cmd{
	Name: "bitrate",
	Help: "bitrate <hz>: configure the CAN bus bitrate (before 'open')",
	Func: func(c *ishell.Context) {
		if len(c.Args) != 1 {
			c.Err(fmt.Errorf("usage: bitrate <hz>"))
			return
		}
		hz, err := strconv.ParseUint(c.Args[0], 10, 32)
		if err != nil {
			c.Err(fmt.Errorf("bad bitrate: %w", err))
			return
		}
		s := sessionFrom(c)
		if err := s.bm.SetBaudRate(uint32(hz)); err != nil {
			c.Err(err)
			return
		}
		c.Printf("bitrate set to %d Hz\n", hz)
	},
}

var bitratesCmd = ishell.Cmd{
	Name: "bitrates",
	Help: "list supported CAN bus bitrates",
	Func: func(c *ishell.Context) {
		for _, hz := range canusb.Bitrates() {
			c.Printf("%d\n", hz)
		}
	},
}

var openCmd = ishell.Cmd{
	Name: "open",
	Help: "put the adapter on the bus (bitrate becomes immutable)",
	Func: func(c *ishell.Context) {
		s := sessionFrom(c)
		if err := s.bm.BusOn(); err != nil {
			c.Err(err)
			return
		}
		s.busOn = true
		c.Println("bus on")
	},
}

var sendCmd = ishell.Cmd{
	Name: "send",
	Help: "send <id> [hexdata] [-e] [-r]: transmit a frame (id in hex)",
	Func: func(c *ishell.Context) {
		var (
			m       can.Message
			dataHex string
		)
		args := make([]string, 0, len(c.Args))
		for _, a := range c.Args {
			switch a {
			case "-e":
				m.Extended = true
			case "-r":
				m.Remote = true
			default:
				args = append(args, a)
			}
		}
		if len(args) < 1 || len(args) > 2 {
			c.Err(fmt.Errorf("usage: send <id> [hexdata] [-e] [-r]"))
			return
		}
		id, err := strconv.ParseUint(args[0], 16, 32)
		if err != nil {
			c.Err(fmt.Errorf("bad id: %w", err))
			return
		}
		m.ID = uint32(id)
		if len(args) == 2 {
			dataHex = args[1]
		}
		if dataHex != "" {
			raw, err := hex.DecodeString(dataHex)
			if err != nil || len(raw) > 8 {
				c.Err(fmt.Errorf("bad data: need up to 8 hex byte pairs"))
				return
			}
			m.Len = uint8(len(raw))
			copy(m.Data[:], raw)
		}
		if !m.IDValid() {
			c.Err(fmt.Errorf("id 0x%X out of range", m.ID))
			return
		}
		s := sessionFrom(c)
		if err := s.trx.Send(m); err != nil {
			c.Err(err)
			return
		}
		s.sent++
		c.Printf("sent %s", frameText(m))
	},
}

var dumpCmd = ishell.Cmd{
	Name: "dump",
	Help: "dump [seconds]: print received frames for a while (default 5s)",
	Func: func(c *ishell.Context) {
		secs := 5
		if len(c.Args) == 1 {
			if n, err := strconv.Atoi(c.Args[0]); err == nil && n > 0 {
				secs = n
			}
		}
		s := sessionFrom(c)
		deadline := time.Now().Add(time.Duration(secs) * time.Second)
		for time.Now().Before(deadline) {
			cur := s.trx.ReceiveCursor()
			buf := s.trx.ReceiveBuffer()
			for idx := s.lastIdx; idx != cur; idx = (idx + 1) % len(buf) {
				s.received++
				c.Printf("%s", frameText(buf[idx]))
			}
			s.lastIdx = cur
			time.Sleep(20 * time.Millisecond)
		}
	},
}

var statusCmd = ishell.Cmd{
	Name: "status",
	Help: "show adapter session state",
	Func: func(c *ishell.Context) {
		s := sessionFrom(c)
		c.Printf("bitrate:  %d Hz\n", s.trx.BaudRate())
		c.Printf("bus on:   %v\n", s.busOn)
		c.Printf("sent:     %d\n", s.sent)
		c.Printf("received: %d\n", s.received)
	},
}

// frameText renders a message in the adapter's ASCII syntax with a newline.
func frameText(m can.Message) string {
	text := strings.TrimSuffix(string(canusb.EncodeMessage(m)), "\r")
	return text + "\n"
}
