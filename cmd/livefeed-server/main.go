package main

import (
	"context"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"time"

	"github.com/ccbrown/keyvaluestore"
	"github.com/ccbrown/keyvaluestore/memorystore"
	"github.com/ccbrown/keyvaluestore/redisstore"
	"github.com/go-redis/redis"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/ccbrown/livefeed/feedws"
	"github.com/ccbrown/livefeed/store"
)

// originCheck allows requests without an Origin header and requests from the given hosts. "*"
// allows everything.
func originCheck(allowed []string) func(r *http.Request) bool {
	hosts := map[string]struct{}{}
	for _, host := range allowed {
		if host == "*" {
			return func(*http.Request) bool { return true }
		}
		hosts[host] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		if u.Host == r.Host {
			return true
		}
		_, ok := hosts[u.Host]
		return ok
	}
}

func newRouter(server *feedws.Server) http.Handler {
	router := mux.NewRouter()
	router.Handle("/feed", server)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods("GET", "HEAD")

	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{"GET", "HEAD", "OPTIONS"}),
	)
	return cors(router)
}

func main() {
	addr := pflag.String("addr", ":8080", "the address to listen on")
	redisAddress := pflag.String("redis-address", "", "can be used to run with a redis database")
	allowedOrigins := pflag.StringArray("allowed-origin", nil, "an additional host that browsers may connect from, or * for any")
	debug := pflag.Bool("debug", false, "enable debug logging")
	pflag.Parse()

	if *debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	var backend keyvaluestore.Backend
	if *redisAddress == "" {
		logrus.Info("using a temporary database. if you would like data to be persistent, provide --redis-address")
		backend = memorystore.NewBackend()
	} else {
		backend = &redisstore.Backend{
			Client: redis.NewClient(&redis.Options{
				Addr: *redisAddress,
			}),
		}
	}

	feedServer := &feedws.Server{
		Backend: &store.Store{
			Backend: backend,
		},
		WebSocketOriginCheck: originCheck(*allowedOrigins),
	}

	server := &http.Server{
		Addr:        *addr,
		Handler:     newRouter(feedServer),
		ReadTimeout: 2 * time.Minute,
	}

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
		<-ch
		logrus.Info("signal caught. shutting down...")
		cancel()
	}()

	go func() {
		<-ctx.Done()
		if err := server.Shutdown(context.Background()); err != nil {
			logrus.Error(err)
		}
		feedServer.CloseHijackedConnections()
	}()

	logrus.Infof("listening at %v", *addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logrus.Error(err)
	}
}
