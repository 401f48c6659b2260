// Executor — симулятор браузерного исполнителя для локальной разработки
// и демо: подключается к шлюзу по websocket и отвечает на команды,
// изображая крошечный браузер с вкладками в памяти.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/xela07ax/browsergate/internal/bridge"
)

func main() {
	url := flag.String("url", "ws://localhost:8080/ws", "адрес websocket-входа шлюза")
	token := flag.String("token", "", "Bearer-токен исполнителя (пусто — без авторизации)")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sim := newSimulator()
	client := bridge.NewClient(bridge.ClientConfig{
		URL:   *url,
		Token: *token,
	}, sim.handle, logger)

	if err := client.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Fatal("executor stopped", zap.Error(err))
	}
}

// simulator браузер понарошку: вкладки, история, текущий URL
type simulator struct {
	mu     sync.Mutex
	nextID int
	active int
	tabs   map[int]*tab
}

type tab struct {
	id      int
	url     string
	history []string
	cursor  int
}

func newSimulator() *simulator {
	s := &simulator{nextID: 1, tabs: make(map[int]*tab)}
	s.openTab("about:blank")
	return s
}

func (s *simulator) openTab(url string) *tab {
	t := &tab{id: s.nextID, url: url, history: []string{url}}
	s.tabs[t.id] = t
	s.active = t.id
	s.nextID++
	return t
}

// handle исполняет команду шлюза. Ошибка превращается в error-поле
// ответа на стороне клиента канала.
func (s *simulator) handle(_ context.Context, cmd string, payload map[string]any) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.target(payload)
	if err != nil && cmd != "open_tab" && cmd != "tabs_list" {
		return nil, err
	}

	switch cmd {
	case "open_tab":
		nt := s.openTab(str(payload, "url"))
		return map[string]any{"tabId": nt.id, "url": nt.url}, nil
	case "navigate":
		t.url = str(payload, "url")
		t.history = append(t.history[:t.cursor+1], t.url)
		t.cursor++
		return map[string]any{"tabId": t.id, "url": t.url}, nil
	case "get_url":
		return map[string]any{"tabId": t.id, "url": t.url}, nil
	case "go_back":
		if t.cursor == 0 {
			return nil, fmt.Errorf("no history behind tab %d", t.id)
		}
		t.cursor--
		t.url = t.history[t.cursor]
		return map[string]any{"tabId": t.id, "url": t.url}, nil
	case "go_forward":
		if t.cursor >= len(t.history)-1 {
			return nil, fmt.Errorf("no history ahead of tab %d", t.id)
		}
		t.cursor++
		t.url = t.history[t.cursor]
		return map[string]any{"tabId": t.id, "url": t.url}, nil
	case "reload":
		return map[string]any{"tabId": t.id, "url": t.url}, nil
	case "tabs_list":
		list := make([]map[string]any, 0, len(s.tabs))
		for _, tb := range s.tabs {
			list = append(list, map[string]any{"tabId": tb.id, "url": tb.url, "active": tb.id == s.active})
		}
		return map[string]any{"tabs": list}, nil
	case "tab_activate":
		s.active = t.id
		return map[string]any{"tabId": t.id}, nil
	case "click":
		return map[string]any{"tabId": t.id, "clicked": str(payload, "selector")}, nil
	case "type_text":
		return map[string]any{"tabId": t.id, "typed": len(str(payload, "text"))}, nil
	case "read_text":
		return map[string]any{"tabId": t.id, "text": "simulated page text for " + t.url}, nil
	case "read_dom":
		return map[string]any{"tabId": t.id, "dom": "<html><body>simulated " + t.url + "</body></html>"}, nil
	case "wait_for":
		return map[string]any{"tabId": t.id, "found": true, "selector": str(payload, "selector")}, nil
	case "eval_js":
		return map[string]any{"tabId": t.id, "result": nil}, nil
	case "screenshot":
		return map[string]any{"tabId": t.id, "format": "png", "base64": ""}, nil
	case "download_current":
		return map[string]any{"tabId": t.id, "saved": "/tmp/download.bin"}, nil
	default:
		return nil, fmt.Errorf("unsupported command %q", cmd)
	}
}

// target вкладка из payload.tabId или активная
func (s *simulator) target(payload map[string]any) (*tab, error) {
	if raw, ok := payload["tabId"]; ok {
		id := 0
		switch v := raw.(type) {
		case float64:
			id = int(v)
		case int:
			id = v
		}
		t, ok := s.tabs[id]
		if !ok {
			return nil, fmt.Errorf("tab %d not found", id)
		}
		return t, nil
	}
	t, ok := s.tabs[s.active]
	if !ok {
		return nil, fmt.Errorf("no active tab")
	}
	return t, nil
}

func str(payload map[string]any, key string) string {
	s, _ := payload[key].(string)
	return s
}
