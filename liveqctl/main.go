package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"golang.org/x/term"

	"github.com/liveq/liveq"
)

const LiveqCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Liveq control.

Usage:
    liveqctl query --url=<url> [--jwt=<jwt>] [--timeout=<timeout>]
        --function=<function> [<args>]
    liveqctl watch --url=<url> [--jwt=<jwt>]
        --function=<function> [<args>]
    liveqctl mutation --url=<url> [--jwt=<jwt>] [--timeout=<timeout>]
        --function=<function> [<args>]
    liveqctl action --url=<url> [--jwt=<jwt>] [--timeout=<timeout>]
        --function=<function> [<args>]

Options:
    -h --help                Show this screen.
    --version                Show version.
    --url=<url>              Deployment url, e.g. https://example.deployment.dev
    --jwt=<jwt>              Auth token. "-" reads the token from the terminal.
    --function=<function>    Function reference, e.g. messages:list
    --timeout=<timeout>      Wait this many seconds [default: 30].

<args> is the function argument object as json, e.g. '{"channel": "general"}'.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], LiveqCtlVersion)
	if err != nil {
		panic(err)
	}

	if query_, _ := opts.Bool("query"); query_ {
		query(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if mutation_, _ := opts.Bool("mutation"); mutation_ {
		mutation(opts)
	} else if action_, _ := opts.Bool("action"); action_ {
		action(opts)
	} else {
		docopt.PrintHelpAndExit(nil, usage)
	}
}

func query(opts docopt.Opts) {
	ctx, client, functionRef, args := newClient(opts)
	defer client.Close()

	ctx, cancel := context.WithTimeout(ctx, timeout(opts))
	defer cancel()

	result, err := client.Query(ctx, functionRef, args)
	if err != nil {
		Err.Printf("Query error (%s).\n", err)
		os.Exit(1)
	}
	printValue(result)
}

func watch(opts docopt.Opts) {
	ctx, client, functionRef, args := newClient(opts)
	defer client.Close()

	sub, err := client.Subscribe(functionRef, args)
	if err != nil {
		Err.Printf("Subscribe error (%s).\n", err)
		os.Exit(1)
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case result, ok := <-sub.Updates():
			if !ok {
				return
			}
			if result.Err != nil {
				Err.Printf("Query error (%s).\n", result.Err)
				continue
			}
			printValue(result.Value)
		}
	}
}

func mutation(opts docopt.Opts) {
	ctx, client, functionRef, args := newClient(opts)
	defer client.Close()

	ctx, cancel := context.WithTimeout(ctx, timeout(opts))
	defer cancel()

	result, err := client.Mutation(ctx, functionRef, args, nil)
	if err != nil {
		Err.Printf("Mutation error (%s).\n", err)
		os.Exit(1)
	}
	printValue(result)
}

func action(opts docopt.Opts) {
	ctx, client, functionRef, args := newClient(opts)
	defer client.Close()

	ctx, cancel := context.WithTimeout(ctx, timeout(opts))
	defer cancel()

	result, err := client.Action(ctx, functionRef, args)
	if err != nil {
		Err.Printf("Action error (%s).\n", err)
		os.Exit(1)
	}
	printValue(result)
}

func newClient(opts docopt.Opts) (context.Context, *liveq.Client, string, map[string]liveq.Value) {
	url, _ := opts.String("--url")
	functionRef, _ := opts.String("--function")

	args := map[string]liveq.Value{}
	if argsJson, err := opts.String("<args>"); err == nil && argsJson != "" {
		value, err := liveq.DecodeValue([]byte(argsJson))
		if err != nil {
			Err.Printf("Invalid args (%s).\n", err)
			os.Exit(1)
		}
		argsMap, ok := value.(map[string]liveq.Value)
		if !ok {
			Err.Printf("Invalid args (%T). Expected a json object.\n", value)
			os.Exit(1)
		}
		args = argsMap
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		<-c
		cancel()
	}()

	client, err := liveq.NewClientWithDefaults(ctx, url)
	if err != nil {
		Err.Printf("Invalid url (%s).\n", err)
		os.Exit(1)
	}

	if jwt := authJwt(opts); jwt != "" {
		client.SetAuth(jwt)
	}

	return ctx, client, functionRef, args
}

func authJwt(opts docopt.Opts) string {
	jwt, err := opts.String("--jwt")
	if err != nil || jwt == "" {
		return ""
	}
	if jwt != "-" {
		return jwt
	}
	fmt.Print("Enter auth token: ")
	jwtBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		panic(err)
	}
	fmt.Printf("\n")
	return string(jwtBytes)
}

func timeout(opts docopt.Opts) time.Duration {
	if seconds, err := opts.Int("--timeout"); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return 30 * time.Second
}

func printValue(value liveq.Value) {
	b, err := liveq.EncodeValue(value)
	if err != nil {
		Err.Printf("Encode error (%s).\n", err)
		return
	}
	Out.Printf("%s\n", string(b))
}
