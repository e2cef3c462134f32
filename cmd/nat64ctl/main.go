// nat64ctl is the interactive admin client for nat64d.
//
// It speaks the daemon's HTTP API and provides a small operational
// shell: inspect bindings and sessions, manage static entries, flush
// tables, and list recent lifecycle events.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/chzyer/readline"
)

type ctl struct {
	base   string
	client *http.Client
}

func main() {
	addr := flag.String("addr", "127.0.0.1:8064", "nat64d API address")
	flag.Parse()

	c := &ctl{
		base:   "http://" + *addr,
		client: &http.Client{Timeout: 10 * time.Second},
	}

	// Verify connectivity before dropping into the shell.
	if _, err := c.get("/health"); err != nil {
		fmt.Fprintf(os.Stderr, "nat64ctl: cannot reach nat64d at %s: %v\n", *addr, err)
		os.Exit(1)
	}

	if flag.NArg() > 0 {
		// One-shot mode: nat64ctl show bib tcp
		if err := c.dispatch(flag.Args()); err != nil {
			fmt.Fprintf(os.Stderr, "nat64ctl: %v\n", err)
			os.Exit(1)
		}
		return
	}

	completer := readline.NewPrefixCompleter(
		readline.PcItem("show",
			readline.PcItem("bib",
				readline.PcItem("tcp"), readline.PcItem("udp"), readline.PcItem("icmp")),
			readline.PcItem("session",
				readline.PcItem("tcp"), readline.PcItem("udp"), readline.PcItem("icmp")),
			readline.PcItem("counters"),
			readline.PcItem("status"),
			readline.PcItem("events"),
			readline.PcItem("sync"),
		),
		readline.PcItem("add",
			readline.PcItem("bib",
				readline.PcItem("tcp"), readline.PcItem("udp"), readline.PcItem("icmp"))),
		readline.PcItem("remove",
			readline.PcItem("bib",
				readline.PcItem("tcp"), readline.PcItem("udp"), readline.PcItem("icmp"))),
		readline.PcItem("flush",
			readline.PcItem("tcp"), readline.PcItem("udp"), readline.PcItem("icmp")),
		readline.PcItem("advertise"),
		readline.PcItem("help"),
		readline.PcItem("exit"),
	)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "nat64> ",
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "nat64ctl: %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return
		}
		args := strings.Fields(line)
		if len(args) == 0 {
			continue
		}
		if args[0] == "exit" || args[0] == "quit" {
			return
		}
		if err := c.dispatch(args); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
		}
	}
}

func (c *ctl) dispatch(args []string) error {
	switch args[0] {
	case "help":
		fmt.Println(`Commands:
  show bib <tcp|udp|icmp>                list bindings
  show session <tcp|udp|icmp>            list sessions
  show counters                          table populations
  show status                            daemon status and statistics
  show events [n]                        recent lifecycle events
  show sync                              session sync statistics
  add bib <proto> <src6#port> <src4#port>    add a static binding
  remove bib <proto> <src6#port> <src4#port> remove a binding
  flush [proto]                          empty one table, or all
  advertise                              push all sessions to the sync peer
  exit`)
		return nil

	case "show":
		if len(args) < 2 {
			return fmt.Errorf("show what? (try help)")
		}
		return c.show(args[1:])

	case "add":
		if len(args) != 5 || args[1] != "bib" {
			return fmt.Errorf("usage: add bib <proto> <src6#port> <src4#port>")
		}
		return c.postBIB(http.MethodPost, args[2], args[3], args[4])

	case "remove":
		if len(args) != 5 || args[1] != "bib" {
			return fmt.Errorf("usage: remove bib <proto> <src6#port> <src4#port>")
		}
		return c.postBIB(http.MethodDelete, args[2], args[3], args[4])

	case "flush":
		path := "/api/v1/flush"
		if len(args) > 1 {
			path += "/" + args[1]
		}
		_, err := c.post(path, nil)
		return err

	case "advertise":
		_, err := c.post("/api/v1/sync/advertise", nil)
		return err
	}
	return fmt.Errorf("unknown command %q (try help)", args[0])
}

func (c *ctl) show(args []string) error {
	switch args[0] {
	case "bib":
		if len(args) != 2 {
			return fmt.Errorf("usage: show bib <tcp|udp|icmp>")
		}
		return c.showBIB(args[1])
	case "session":
		if len(args) != 2 {
			return fmt.Errorf("usage: show session <tcp|udp|icmp>")
		}
		return c.showSessions(args[1])
	case "counters":
		return c.pretty("/api/v1/counters")
	case "status":
		return c.pretty("/api/v1/status")
	case "sync":
		return c.pretty("/api/v1/sync/stats")
	case "events":
		n := "100"
		if len(args) > 1 {
			n = args[1]
		}
		return c.showEvents(n)
	}
	return fmt.Errorf("unknown show target %q", args[0])
}

func (c *ctl) showBIB(proto string) error {
	var resp struct {
		Entries []struct {
			Src6   string `json:"src6"`
			Src4   string `json:"src4"`
			Static bool   `json:"static"`
		} `json:"entries"`
		More bool `json:"more"`
	}
	if err := c.getJSON("/api/v1/bib/"+proto, &resp); err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "IPV6\tIPV4\tSTATIC")
	for _, e := range resp.Entries {
		fmt.Fprintf(w, "%s\t%s\t%v\n", e.Src6, e.Src4, e.Static)
	}
	w.Flush()
	if resp.More {
		fmt.Println("(truncated; use the API offset parameter for more)")
	}
	return nil
}

func (c *ctl) showSessions(proto string) error {
	var resp struct {
		Sessions []struct {
			Src6      string `json:"src6"`
			Dst6      string `json:"dst6"`
			Src4      string `json:"src4"`
			Dst4      string `json:"dst4"`
			StateName string `json:"state_name"`
			TimerName string `json:"timer_name"`
		} `json:"sessions"`
		More bool `json:"more"`
	}
	if err := c.getJSON("/api/v1/sessions/"+proto, &resp); err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SRC6\tDST6\tSRC4\tDST4\tSTATE\tTIMER")
	for _, s := range resp.Sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			s.Src6, s.Dst6, s.Src4, s.Dst4, s.StateName, s.TimerName)
	}
	w.Flush()
	if resp.More {
		fmt.Println("(truncated; use the API offset parameters for more)")
	}
	return nil
}

func (c *ctl) showEvents(n string) error {
	var events []struct {
		Time   time.Time `json:"time"`
		Action string    `json:"action"`
		Proto  string    `json:"proto"`
		Src6   string    `json:"src6"`
		Dst6   string    `json:"dst6"`
		Src4   string    `json:"src4"`
		Dst4   string    `json:"dst4"`
	}
	if err := c.getJSON("/api/v1/events?n="+n, &events); err != nil {
		return err
	}
	for _, e := range events {
		line := fmt.Sprintf("%s  %-14s %s %s -> %s",
			e.Time.UTC().Format("2006/01/02 15:04:05"), e.Action, e.Proto, e.Src6, e.Src4)
		if e.Dst6 != "" {
			line += fmt.Sprintf(" (peer %s | %s)", e.Dst6, e.Dst4)
		}
		fmt.Println(line)
	}
	return nil
}

func (c *ctl) postBIB(method, proto, src6, src4 string) error {
	body, _ := json.Marshal(map[string]string{"src6": src6, "src4": src4})
	req, err := http.NewRequest(method, c.base+"/api/v1/bib/"+proto, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}

func (c *ctl) pretty(path string) error {
	data, err := c.get(path)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		return err
	}
	fmt.Println(buf.String())
	return nil
}

func (c *ctl) get(path string) ([]byte, error) {
	resp, err := c.client.Get(c.base + path)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	return io.ReadAll(resp.Body)
}

func (c *ctl) getJSON(path string, v any) error {
	data, err := c.get(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (c *ctl) post(path string, body []byte) ([]byte, error) {
	resp, err := c.client.Post(c.base+path, "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	return io.ReadAll(resp.Body)
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode < 300 {
		return nil
	}
	var apiErr struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(resp.Body)
	if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
		return fmt.Errorf("%s: %s", resp.Status, apiErr.Error)
	}
	return fmt.Errorf("%s", resp.Status)
}
