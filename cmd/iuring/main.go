package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rsveldema/iuring"
	"github.com/rsveldema/iuring/internal/logging"
)

func main() {
	var (
		pingAddr = flag.String("ping", "", "HTTP-ping the given IPv4 address and exit")
		server   = flag.Bool("server", false, "run a simple web server on :8080")
		noTune   = flag.Bool("no-tune", false, "skip NIC tuning")
		iface    = flag.String("iface", "eth0", "network interface to use")
		verbose  = flag.Bool("v", false, "verbose output")
	)
	flag.Usage = usage
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	switch {
	case *pingAddr != "":
		if err := doHTTPPing(logger, *pingAddr, *iface, !*noTune); err != nil {
			logger.Error("ping failed", "error", err)
			os.Exit(1)
		}
	case *server:
		if err := doWebserver(logger, *iface, !*noTune); err != nil {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s --ping <ipv4> | --server [--no-tune]\n", os.Args[0])
	flag.PrintDefaults()
}

// doHTTPPing connects to addr:80, sends a GET, prints the reply and closes.
func doHTTPPing(logger *logging.Logger, addr, iface string, tune bool) error {
	target, err := iuring.ParseIPv4(addr, iuring.PortHTTP)
	if err != nil {
		return err
	}
	logger.Info("going to ping", "target", target.String())

	adapter := iuring.NewNetworkAdapter(logger, iface, tune)
	ring := iuring.New(logger, adapter, iuring.DefaultOptions)
	if err := ring.Init(); err != nil {
		return err
	}
	defer ring.Close()

	socket, err := iuring.NewSocket(iuring.IPv4TCP, 0, logger, iuring.UnicastClientSocket)
	if err != nil {
		return err
	}

	closed := false
	var pingErr error

	err = ring.SubmitConnect(socket, target, func(res iuring.ConnectResult) {
		if res.Status < 0 {
			pingErr = fmt.Errorf("connect to %s failed: status %d", res.Address.String(), res.Status)
			closed = true
			return
		}
		sendRequest(ring, socket, logger, &closed, &pingErr)
	})
	if err != nil {
		return err
	}

	deadline := time.Now().Add(20 * time.Second)
	for !closed {
		if time.Now().After(deadline) {
			return fmt.Errorf("ping timed out")
		}
		if err := ring.PollCompletions(); err != nil {
			return err
		}
	}
	return pingErr
}

func sendRequest(ring *iuring.Ring, socket *iuring.Socket, logger *logging.Logger, closed *bool, pingErr *error) {
	handle, err := ring.SubmitSend(socket)
	if err != nil {
		*pingErr = err
		*closed = true
		return
	}
	pkt := handle.Packet()
	pkt.AppendString("GET /posts/1 HTTP/1.1\r\n")
	pkt.AppendString("Host: example.com\r\n")
	pkt.AppendString("Accept: application/json\r\n")
	pkt.AppendString("\r\n")

	err = handle.Submit(func(res iuring.SendResult) {
		logger.Info("packet sent", "status", res.Status)
		awaitReply(ring, socket, logger, closed, pingErr)
	})
	if err != nil {
		*pingErr = err
		*closed = true
	}
}

func awaitReply(ring *iuring.Ring, socket *iuring.Socket, logger *logging.Logger, closed *bool, pingErr *error) {
	err := ring.SubmitRecv(socket, func(msg *iuring.ReceivedMessage) iuring.ReceivePostAction {
		fmt.Printf("received: %s\n", msg.String())

		err := ring.SubmitClose(socket, func(res iuring.CloseResult) {
			logger.Info("connection closed", "status", res.Status)
			*closed = true
		})
		if err != nil {
			*pingErr = err
			*closed = true
		}
		return iuring.PostActionNone
	})
	if err != nil {
		*pingErr = err
		*closed = true
	}
}

// doWebserver accepts connections on :8080 and logs whatever arrives.
func doWebserver(logger *logging.Logger, iface string, tune bool) error {
	logger.Info("going to run a simple webserver")

	adapter := iuring.NewNetworkAdapter(logger, iface, tune)
	ring := iuring.New(logger, adapter, iuring.DefaultOptions)
	if err := ring.Init(); err != nil {
		return err
	}
	defer ring.Close()

	socket, err := iuring.NewSocket(iuring.IPv4TCP, iuring.PortLocalWeb, logger, iuring.ServerStreamSocket)
	if err != nil {
		return err
	}

	err = ring.SubmitAccept(socket, func(res iuring.AcceptResult) {
		logger.Info("new connection", "fd", res.NewFd, "peer", res.Address.String())
		conn := iuring.NewAcceptedSocket(logger, res)

		rerr := ring.SubmitRecv(conn, func(msg *iuring.ReceivedMessage) iuring.ReceivePostAction {
			fmt.Printf("received: %s\n", msg.String())
			return iuring.PostActionResubmit
		})
		if rerr != nil {
			logger.Error("recv submit failed", "error", rerr)
		}
	})
	if err != nil {
		return err
	}

	logger.Info("waiting for new requests")
	for {
		if err := ring.PollCompletions(); err != nil {
			return err
		}
	}
}
