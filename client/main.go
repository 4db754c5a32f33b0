// Command client is a rough terminal console for a running bridge: it dials
// the browser WebSocket endpoint, sends typed lines as commands and prints
// incoming fragments as plain text.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"html"
	"log"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"syscall"

	"github.com/gorilla/websocket"
)

func main() {
	var (
		endpoint = flag.String("url", "ws://127.0.0.1:8080/ws/rcon", "bridge WebSocket endpoint")
		host     = flag.String("host", "", "upstream host, for bridges in client auth mode")
		port     = flag.Int("port", 0, "upstream port")
		password = flag.String("password", "", "upstream password")
	)
	flag.Parse()

	conn, _, err := websocket.DefaultDialer.Dial(*endpoint, nil)
	if err != nil {
		log.Fatalf("dial %s: %v", *endpoint, err)
	}
	defer conn.Close()
	log.Printf("connected to %s", *endpoint)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			for _, line := range renderFragment(string(data)) {
				fmt.Println(line)
			}
		}
	}()

	if *host != "" {
		send(conn, map[string]any{"auth": map[string]any{
			"host": *host, "port": *port, "password": *password,
		}})
	}

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-done:
			log.Println("bridge closed the connection")
			return
		case <-sigc:
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			send(conn, map[string]string{"command": line})
		}
	}
}

func send(conn *websocket.Conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Fatalf("marshal: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Fatalf("write: %v", err)
	}
}

var tagPattern = regexp.MustCompile(`<[^>]*>`)

// renderFragment flattens an OOB fragment into terminal lines, one per inner
// <div>.
func renderFragment(fragment string) []string {
	text := tagPattern.ReplaceAllString(strings.ReplaceAll(fragment, "</div>", "\n"), "")
	var out []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, html.UnescapeString(line))
		}
	}
	return out
}
