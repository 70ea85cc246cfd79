// A line-oriented probe client for exercising a chatgate server: logs in,
// opens the websocket, joins a room and turns stdin lines into messages
// while printing every event the server pushes.
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func main() {
	defaultServer := envOrDefault("CHATGATE_SERVER", "http://localhost:8080")
	server := flag.String("server", defaultServer, "base URL of the chatgate server")
	username := flag.String("user", envOrDefault("CHATGATE_USER", ""), "username")
	password := flag.String("pass", envOrDefault("CHATGATE_PASS", ""), "password")
	room := flag.String("room", "", "room to join after connecting")
	flag.Parse()

	if *username == "" || *password == "" {
		fmt.Fprintln(os.Stderr, "username and password are required")
		os.Exit(1)
	}

	token, err := login(*server, *username, *password)
	if err != nil {
		fmt.Fprintf(os.Stderr, "login: %v\n", err)
		os.Exit(1)
	}

	wsURL := strings.Replace(*server, "http", "ws", 1) + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dial: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	go func() {
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				fmt.Fprintf(os.Stderr, "connection closed: %v\n", err)
				os.Exit(0)
			}
			var env envelope
			if err := json.Unmarshal(payload, &env); err != nil {
				fmt.Printf("<- %s\n", payload)
				continue
			}
			fmt.Printf("<- %s %s\n", env.Event, env.Data)
		}
	}()

	if *room != "" {
		send(conn, "join_room", map[string]string{"room": *room})
	}

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if *room == "" {
			fmt.Fprintln(os.Stderr, "no room joined; start with -room")
			continue
		}
		send(conn, "send_message", map[string]string{"room": *room, "content": line})
	}
}

func send(conn *websocket.Conn, event string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		return
	}
	payload, _ := json.Marshal(envelope{Event: event, Data: raw})
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		fmt.Fprintf(os.Stderr, "write: %v\n", err)
	}
}

func login(server, username, password string) (string, error) {
	body, _ := json.Marshal(map[string]string{"username": username, "password": password})
	resp, err := http.Post(server+"/login", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("login failed: %s", resp.Status)
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.Token, nil
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
