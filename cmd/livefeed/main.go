package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/ccbrown/livefeed"
	"github.com/ccbrown/livefeed/feedview"
	"github.com/ccbrown/livefeed/feedws"
	"github.com/ccbrown/livefeed/model"
)

func main() {
	url := pflag.String("url", "ws://127.0.0.1:8080/feed", "the feed server's websocket url")
	userId := pflag.String("user-id", "", "your user id")
	userName := pflag.String("user-name", "", "your display name")
	collection := pflag.String("collection", livefeed.DefaultCollection, "the collection to join")
	debug := pflag.Bool("debug", false, "enable debug logging")
	pflag.Parse()

	if *userId == "" {
		fmt.Fprintln(os.Stderr, "the --user-id flag is required")
		os.Exit(1)
	}
	if *userName == "" {
		*userName = *userId
	}

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	if *debug {
		logger.SetLevel(logrus.DebugLevel)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
		<-ch
		cancel()
		os.Stdin.Close()
	}()

	dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
	client, err := feedws.Dial(dialCtx, *url, &feedws.DialOptions{
		Logger: logger,
	})
	dialCancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error connecting: "+err.Error())
		os.Exit(1)
	}
	defer client.Close()

	s := &session{
		out: os.Stdout,
	}

	feed, err := livefeed.New(&livefeed.Config{
		Backend:    client,
		Logger:     logger,
		Collection: *collection,
		OnChange:   s.render,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
	s.view = feedview.New(feed, model.Identity{
		Id:   *userId,
		Name: *userName,
	}, logger)

	if err := feed.Subscribe(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
	defer feed.Unsubscribe()

	fmt.Println(usage)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if err := s.handleLine(ctx, scanner.Text()); err == errQuit {
			return
		} else if err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
		}
	}
}
