package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
)

func main() {
	addrFlag := flag.String("addr", "127.0.0.1:3088", "daemon address")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	timeoutFlag := flag.Duration("timeout", 30*time.Second, "response timeout")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	c, err := dial(*addrFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot connect to daemon at %s: %v\n", *addrFlag, err)
		os.Exit(1)
	}
	defer c.close()
	c.jsonOut = *jsonFlag
	c.timeout = *timeoutFlag

	switch args[0] {
	case "accounts":
		c.request("getAccounts", nil, "accounts")
	case "add":
		if len(args) < 2 {
			fatal("usage: wadashctl add <name>")
		}
		c.send("addAccount", map[string]string{"name": args[1]})
		c.waitFor("accounts")
	case "switch":
		if len(args) < 2 {
			fatal("usage: wadashctl switch <accountId>")
		}
		c.send("switchAccount", map[string]string{"accountId": args[1]})
		c.waitFor("currentAccount")
	case "delete":
		if len(args) < 2 {
			fatal("usage: wadashctl delete <accountId>")
		}
		c.send("deleteAccount", map[string]string{"accountId": args[1]})
		c.waitFor("accounts")
	case "sync":
		c.cmdSync(args[1:])
	case "quick":
		c.send("quickSync", nil)
		c.streamSync()
	case "chats":
		c.request("getChats", nil, "chats")
	case "messages":
		if len(args) < 2 {
			fatal("usage: wadashctl messages <chatId> [limit]")
		}
		limit := 50
		if len(args) >= 3 {
			limit, _ = strconv.Atoi(args[2])
		}
		c.request("getMessages", map[string]any{"chatId": args[1], "limit": limit}, "messages")
	case "send":
		if len(args) < 3 {
			fatal("usage: wadashctl send <chatId> <message>")
		}
		c.send("sendMessage", map[string]string{"chatId": args[1], "message": args[2]})
		c.waitAny("messageSent", "sendMessageError")
	case "search":
		if len(args) < 2 {
			fatal("usage: wadashctl search <query>")
		}
		c.send("searchMessages", map[string]string{"query": args[1]})
		c.waitFor("searchResults")
	case "logout":
		c.send("logout", nil)
		c.waitFor("status")
	case "clear-sessions":
		c.send("clearSessions", nil)
		c.waitFor("sessionsCleared")
	case "reconnect":
		c.send("reconnect", nil)
		c.waitFor("status")
	case "watch":
		c.watch()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: wadashctl [--addr <host:port>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  accounts                  List accounts")
	fmt.Fprintln(os.Stderr, "  add <name>                Add an account")
	fmt.Fprintln(os.Stderr, "  switch <accountId>        Switch the active account")
	fmt.Fprintln(os.Stderr, "  delete <accountId>        Delete an account")
	fmt.Fprintln(os.Stderr, "  sync [max]                Sync all chats (optionally capped)")
	fmt.Fprintln(os.Stderr, "  sync cancel               Cancel the running sync")
	fmt.Fprintln(os.Stderr, "  quick                     Quick incremental sync")
	fmt.Fprintln(os.Stderr, "  chats                     Show cached chats")
	fmt.Fprintln(os.Stderr, "  messages <chatId> [n]     Fetch recent messages")
	fmt.Fprintln(os.Stderr, "  send <chatId> <text>      Send a message")
	fmt.Fprintln(os.Stderr, "  search <query>            Search messages")
	fmt.Fprintln(os.Stderr, "  logout                    Log the active account out")
	fmt.Fprintln(os.Stderr, "  clear-sessions            Wipe all stored credentials")
	fmt.Fprintln(os.Stderr, "  reconnect                 Restart the active session")
	fmt.Fprintln(os.Stderr, "  watch                     Stream all daemon events")
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type conn struct {
	ws      *websocket.Conn
	jsonOut bool
	timeout time.Duration
}

func dial(addr string) (*conn, error) {
	u := url.URL{Scheme: "ws", Host: addr, Path: "/ws"}
	ws, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, err
	}
	return &conn{ws: ws}, nil
}

func (c *conn) close() { _ = c.ws.Close() }

func (c *conn) send(event string, data any) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			fatal(err.Error())
		}
		raw = b
	}
	if err := c.ws.WriteJSON(frame{Event: event, Data: raw}); err != nil {
		fatal("write: " + err.Error())
	}
}

func (c *conn) request(event string, data any, want string) {
	c.send(event, data)
	c.waitFor(want)
}

// waitFor prints the first frame with the wanted event. Error frames
// terminate the wait.
func (c *conn) waitFor(want string) {
	c.waitAny(want)
}

func (c *conn) waitAny(wanted ...string) {
	deadline := time.Now().Add(c.timeout)
	_ = c.ws.SetReadDeadline(deadline)
	for {
		var f frame
		if err := c.ws.ReadJSON(&f); err != nil {
			fatal("read: " + err.Error())
		}
		if f.Event == "error" {
			c.print(f)
			os.Exit(1)
		}
		for _, want := range wanted {
			if f.Event == want {
				c.print(f)
				return
			}
		}
	}
}

// streamSync follows one sync run to completion, printing progress.
func (c *conn) streamSync() {
	_ = c.ws.SetReadDeadline(time.Now().Add(10 * time.Minute))
	for {
		var f frame
		if err := c.ws.ReadJSON(&f); err != nil {
			fatal("read: " + err.Error())
		}
		switch f.Event {
		case "syncProgress":
			var p struct {
				Progress int    `json:"progress"`
				Message  string `json:"message"`
			}
			_ = json.Unmarshal(f.Data, &p)
			fmt.Printf("\r%3d%% %s", p.Progress, p.Message)
		case "syncComplete":
			fmt.Println()
			c.print(f)
			return
		case "error":
			fmt.Println()
			c.print(f)
			os.Exit(1)
		}
	}
}

func (c *conn) cmdSync(args []string) {
	if len(args) >= 1 && args[0] == "cancel" {
		c.send("cancelSync", nil)
		c.waitFor("syncProgress")
		return
	}
	data := map[string]any{}
	if len(args) >= 1 {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			fatal("usage: wadashctl sync [max|cancel]")
		}
		data["maxChats"] = n
	}
	c.send("syncAllChats", data)
	c.streamSync()
}

// watch streams every daemon event until interrupted.
func (c *conn) watch() {
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	go func() {
		<-interrupt
		_ = c.ws.Close()
		os.Exit(0)
	}()

	for {
		var f frame
		if err := c.ws.ReadJSON(&f); err != nil {
			fatal("read: " + err.Error())
		}
		c.print(f)
	}
}

func (c *conn) print(f frame) {
	if c.jsonOut {
		out := map[string]any{"event": f.Event}
		if len(f.Data) > 0 {
			var data any
			_ = json.Unmarshal(f.Data, &data)
			out["data"] = data
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(out)
		return
	}
	if len(f.Data) == 0 {
		fmt.Println(f.Event)
		return
	}
	pretty, err := json.MarshalIndent(json.RawMessage(f.Data), "", "  ")
	if err != nil {
		fmt.Printf("%s %s\n", f.Event, string(f.Data))
		return
	}
	fmt.Printf("%s %s\n", f.Event, string(pretty))
}
