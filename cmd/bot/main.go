package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"

	"github.com/fatih/color"
	"github.com/gorilla/websocket"

	"voxelcrew.ai/internal/observerproto"
	"voxelcrew.ai/internal/transport/ws"
)

// bot is the operator chat: it reads command lines from stdin, sends them on
// the control channel and prints each reply. With -watch it also follows the
// audit stream.
func main() {
	var (
		base  = flag.String("url", "ws://localhost:8080", "server ws base url")
		token = flag.String("token", "", "bearer token (required when the server has a jwt secret)")
		watch = flag.String("watch", "", "also stream audit records of these comma-separated types (\"*\" for all)")
	)
	flag.Parse()

	logger := log.New(os.Stderr, "[bot] ", log.LstdFlags|log.Lmicroseconds)
	header := http.Header{}
	if *token != "" {
		header.Set("Authorization", "Bearer "+*token)
	}
	baseURL := strings.TrimRight(*base, "/")

	conn, _, err := websocket.DefaultDialer.Dial(baseURL+"/v1/control", header)
	if err != nil {
		logger.Fatalf("dial control: %v", err)
	}
	defer conn.Close()

	if *watch != "" {
		stream, _, err := websocket.DefaultDialer.Dial(baseURL+"/v1/audit", header)
		if err != nil {
			logger.Fatalf("dial audit: %v", err)
		}
		defer stream.Close()
		sub := observerproto.SubscribeMsg{Type: "SUBSCRIBE", ProtocolVersion: observerproto.Version}
		if *watch != "*" {
			for _, t := range strings.Split(*watch, ",") {
				if t = strings.TrimSpace(t); t != "" {
					sub.Types = append(sub.Types, t)
				}
			}
		}
		if err := stream.WriteJSON(sub); err != nil {
			logger.Fatalf("subscribe: %v", err)
		}
		go follow(stream, os.Stdout)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	fmt.Fprintln(os.Stderr, "type /help for commands")
	for {
		select {
		case <-stop:
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			reply, err := send(conn, line)
			if err != nil {
				logger.Printf("send: %v", err)
				return
			}
			printReply(os.Stdout, reply)
		}
	}
}

func send(conn *websocket.Conn, line string) (ws.Reply, error) {
	var r ws.Reply
	if err := conn.WriteJSON(ws.Frame{Command: line}); err != nil {
		return r, err
	}
	err := conn.ReadJSON(&r)
	return r, err
}

func printReply(w io.Writer, r ws.Reply) {
	switch {
	case r.Help != "":
		color.New(color.FgCyan).Fprintln(w, r.Help)
	case r.OK:
		color.New(color.FgGreen).Fprintf(w, "ok %s seq=%d", r.Type, r.Seq)
		if r.Context != "" {
			fmt.Fprintf(w, " context=%s", r.Context)
		}
		if len(r.Delivered) > 0 {
			fmt.Fprintf(w, " delivered=%s", strings.Join(r.Delivered, ","))
		}
		fmt.Fprintln(w)
		for _, f := range r.Faults {
			color.New(color.FgYellow).Fprintf(w, "  fault: %s\n", f)
		}
	default:
		color.New(color.FgRed).Fprintf(w, "%s %s\n", r.Code, r.Error)
	}
}

func follow(stream *websocket.Conn, w io.Writer) {
	dim := color.New(color.Faint)
	for {
		_, msg, err := stream.ReadMessage()
		if err != nil {
			return
		}
		var m observerproto.RecordMsg
		if err := json.Unmarshal(msg, &m); err != nil || m.Type != "AUDIT" {
			continue
		}
		env := m.Record.Envelope
		dim.Fprintf(w, "  #%d %s %s -> %s %s\n", m.Record.Seq, env.Type, env.Source, env.Target, env.Payload)
	}
}
