package websocket_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	gorilla "github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/srymh/template-electron/internal/transport/websocket"
	"github.com/srymh/template-electron/pkg/ipc"
	"github.com/srymh/template-electron/pkg/ipc/client"
	"github.com/srymh/template-electron/pkg/ipc/registry"
)

// themeSource mirrors the theme collaborator closely enough to drive the
// transport.
type themeSource struct {
	mu        sync.Mutex
	theme     string
	listeners map[int]func(string)
	next      int
	active    atomic.Int32
	attached  atomic.Int32
	started   chan struct{}
}

func newThemeSource() *themeSource {
	return &themeSource{
		theme:     "system",
		listeners: map[int]func(string){},
		started:   make(chan struct{}, 1),
	}
}

func (s *themeSource) set(theme string) {
	s.mu.Lock()
	s.theme = theme
	ls := make([]func(string), 0, len(s.listeners))
	for _, l := range s.listeners {
		ls = append(ls, l)
	}
	s.mu.Unlock()
	for _, l := range ls {
		l(theme)
	}
}

func (s *themeSource) namespace() ipc.Namespace {
	return ipc.Namespace{
		"theme": ipc.Namespace{
			"getTheme": ipc.Invoke(ipc.HandleNoArgs(func(ctx context.Context, c *ipc.Caller) (string, error) {
				s.mu.Lock()
				defer s.mu.Unlock()
				return s.theme, nil
			})),
			"setTheme": ipc.Invoke(ipc.HandleVoid(func(ctx context.Context, c *ipc.Caller, req struct{ Theme string }) error {
				if req.Theme == "" {
					return errors.New("theme is required")
				}
				s.set(req.Theme)
				return nil
			})),
			"on": ipc.Namespace{
				"updated": ipc.Event(ipc.Source(func(ctx context.Context, c *ipc.Caller, emit func(string)) (ipc.Unsubscribe, error) {
					s.mu.Lock()
					id := s.next
					s.next++
					s.listeners[id] = emit
					s.mu.Unlock()
					s.active.Add(1)
					s.attached.Add(1)
					return ipc.Once(func() error {
						s.mu.Lock()
						delete(s.listeners, id)
						s.mu.Unlock()
						s.active.Add(-1)
						return nil
					}), nil
				})),
			},
		},
		"slow": ipc.Namespace{
			"wait": ipc.Invoke(ipc.HandleNoArgs(func(ctx context.Context, c *ipc.Caller) (bool, error) {
				s.started <- struct{}{}
				<-ctx.Done()
				return false, ctx.Err()
			})),
		},
	}
}

var _ = Describe("WebSocket transport", func() {
	var (
		src      *themeSource
		table    *registry.Table
		server   *websocket.Server
		httpSrv  *httptest.Server
		wsURL    string
		ctx      context.Context
		quiet    = zerolog.Nop()
		dialOpts func(reconnect bool) websocket.ClientOptions
	)

	BeforeEach(func() {
		ctx = context.Background()
		src = newThemeSource()
		table = registry.New(registry.WithLogger(quiet))
		Expect(table.Register(src.namespace())).To(Succeed())
		table.Seal()

		server = websocket.NewServer(table, websocket.WithServerLogger(quiet))
		httpSrv = httptest.NewServer(server)
		wsURL = "ws" + strings.TrimPrefix(httpSrv.URL, "http")

		dialOpts = func(reconnect bool) websocket.ClientOptions {
			return websocket.ClientOptions{
				URL:            wsURL,
				Timeout:        5 * time.Second,
				AutoReconnect:  reconnect,
				ReconnectDelay: 10 * time.Millisecond,
				Logger:         &quiet,
			}
		}
	})

	AfterEach(func() {
		server.Close()
		httpSrv.Close()
	})

	dial := func(reconnect bool) *websocket.Client {
		c, err := websocket.Dial(ctx, dialOpts(reconnect))
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(c.Close)
		return c
	}

	build := func(c *websocket.Client) *client.API {
		api, err := client.Build(ipc.Descriptor(src.namespace()), c, client.WithLogger(quiet))
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(api.Close)
		return api
	}

	Describe("invoke", func() {
		It("returns the handler result", func() {
			api := build(dial(false))
			src.set("dark")

			theme, err := client.Call[string](ctx, api, "theme.getTheme")
			Expect(err).NotTo(HaveOccurred())
			Expect(theme).To(Equal("dark"))
		})

		It("returns sanitized remote errors", func() {
			api := build(dial(false))

			_, err := api.Invoke(ctx, "theme.setTheme", map[string]string{})
			var remote *ipc.RemoteError
			Expect(errors.As(err, &remote)).To(BeTrue())
			Expect(remote.Message).To(Equal("theme is required"))

			_, err = dial(false).Invoke(ctx, "nope.missing")
			Expect(err).To(MatchError("No handler registered for channel: nope.missing"))
		})

		It("rejects pending invokes when the connection drops", func() {
			c := dial(false)

			errCh := make(chan error, 1)
			go func() {
				_, err := c.Invoke(ctx, "slow.wait")
				errCh <- err
			}()
			Eventually(src.started).Should(Receive())

			server.CloseConnections()

			var err error
			Eventually(errCh).Should(Receive(&err))
			Expect(err).To(MatchError("WebSocket connection closed"))
			Expect(errors.Is(err, ipc.ErrConnectionClosed)).To(BeTrue())
			Eventually(c.State).Should(Equal(websocket.StateDisconnected))
		})
	})

	Describe("events through the client API", func() {
		It("delivers pushes until unsubscribed", func() {
			api := build(dial(false))

			received := make(chan string, 10)
			off, err := client.On(api, "theme.on.updated", func(theme string) { received <- theme })
			Expect(err).NotTo(HaveOccurred())
			Eventually(src.active.Load).Should(BeEquivalentTo(1))

			_, err = api.Invoke(ctx, "theme.setTheme", map[string]string{"theme": "light"})
			Expect(err).NotTo(HaveOccurred())
			Eventually(received).Should(Receive(Equal("light")))

			off()
			Eventually(src.active.Load).Should(BeEquivalentTo(0))
			src.set("dark")
			Consistently(received, 50*time.Millisecond).ShouldNot(Receive())
		})

		It("tears the caller down when the client closes", func() {
			c := dial(false)
			api := build(c)

			_, err := api.AddListener("theme.on.updated", func(json.RawMessage) {})
			Expect(err).NotTo(HaveOccurred())
			Eventually(src.active.Load).Should(BeEquivalentTo(1))
			Expect(table.Callers()).To(Equal(1))

			Expect(c.Close()).To(Succeed())
			Eventually(src.active.Load).Should(BeEquivalentTo(0))
			Eventually(table.Callers).Should(Equal(0))
			Eventually(server.Connections).Should(Equal(0))
		})

		It("registers again after reconnecting", func() {
			c := dial(true)
			api := build(c)

			received := make(chan string, 10)
			_, err := client.On(api, "theme.on.updated", func(theme string) { received <- theme })
			Expect(err).NotTo(HaveOccurred())
			Eventually(src.active.Load).Should(BeEquivalentTo(1))

			server.CloseConnections()

			Eventually(src.attached.Load, 5*time.Second).Should(BeEquivalentTo(2))
			Eventually(src.active.Load).Should(BeEquivalentTo(1))
			Expect(c.State()).To(Equal(websocket.StateConnected))

			src.set("light")
			Eventually(received).Should(Receive(Equal("light")))
		})
	})

	Describe("raw event subscriptions", func() {
		It("attaches on event-subscribe and detaches on event-unsubscribe", func() {
			c := dial(false)

			received := make(chan json.RawMessage, 10)
			off := c.Subscribe("theme.on.updated", func(data json.RawMessage) { received <- data })
			Eventually(src.active.Load).Should(BeEquivalentTo(1))

			// A second listener shares the subscription.
			off2 := c.Subscribe("theme.on.updated", func(json.RawMessage) {})
			Consistently(src.active.Load, 50*time.Millisecond).Should(BeEquivalentTo(1))

			src.set("dark")
			var data json.RawMessage
			Eventually(received).Should(Receive(&data))
			Expect(string(data)).To(Equal(`"dark"`))

			off()
			Consistently(src.active.Load, 50*time.Millisecond).Should(BeEquivalentTo(1))
			off2()
			Eventually(src.active.Load).Should(BeEquivalentTo(0))
		})

		It("applies unregister and register invokes in arrival order", func() {
			conn, _, err := gorilla.DefaultDialer.Dial(wsURL, nil)
			Expect(err).NotTo(HaveOccurred())
			defer conn.Close()

			send := func(id string, register bool) {
				frame := fmt.Sprintf(`{"type":"invoke-request","id":%q,"channel":"theme.on.updated","args":[%t]}`, id, register)
				Expect(conn.WriteMessage(gorilla.TextMessage, []byte(frame))).To(Succeed())
			}
			read := func() *ipc.Message {
				var msg ipc.Message
				Expect(conn.ReadJSON(&msg)).To(Succeed())
				return &msg
			}

			send("1", true)
			Expect(read().Result).To(MatchJSON("true"))
			Expect(src.active.Load()).To(BeEquivalentTo(1))

			send("2", false)
			send("3", true)
			first, second := read(), read()
			Expect(first.ID).To(Equal("2"))
			Expect(first.Result).To(MatchJSON("true"))
			Expect(second.ID).To(Equal("3"))
			Expect(second.Result).To(MatchJSON("true"))

			Expect(src.attached.Load()).To(BeEquivalentTo(2))
			Consistently(src.active.Load, 50*time.Millisecond).Should(BeEquivalentTo(1))
			Expect(table.Callers()).To(Equal(1))
		})

		It("speaks the wire format to plain protocol clients", func() {
			conn, _, err := gorilla.DefaultDialer.Dial(wsURL, nil)
			Expect(err).NotTo(HaveOccurred())
			defer conn.Close()

			Expect(conn.WriteMessage(gorilla.TextMessage,
				[]byte(`{"type":"invoke-request","id":"1","channel":"theme.getTheme","args":[]}`))).To(Succeed())
			_, raw, err := conn.ReadMessage()
			Expect(err).NotTo(HaveOccurred())
			Expect(raw).To(MatchJSON(`{"type":"invoke-response","id":"1","success":true,"result":"system"}`))

			Expect(conn.WriteMessage(gorilla.TextMessage,
				[]byte(`{"type":"invoke-request","id":"2","args":[]}`))).To(Succeed())
			_, raw, err = conn.ReadMessage()
			Expect(err).NotTo(HaveOccurred())
			Expect(raw).To(MatchJSON(`{"type":"invoke-response","id":"2","success":false,"error":{"message":"invoke-request: missing channel"}}`))

			Expect(conn.WriteMessage(gorilla.TextMessage,
				[]byte(`{"type":"event-subscribe","id":"sub-1","channel":"theme.on.updated"}`))).To(Succeed())
			Eventually(src.active.Load).Should(BeEquivalentTo(1))
			src.set("dark")
			_, raw, err = conn.ReadMessage()
			Expect(err).NotTo(HaveOccurred())
			Expect(raw).To(MatchJSON(`{"type":"event-data","id":"sub-1","channel":"theme.on.updated","data":"dark"}`))
		})
	})
})
