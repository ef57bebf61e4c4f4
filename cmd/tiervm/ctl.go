package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/chazu/tiervm/config"
	"github.com/chazu/tiervm/server"
)

// ctlCommand handles `tiervm ctl`: it calls one control procedure over gRPC
// and prints the response as JSON.
func ctlCommand(args []string) error {
	fs := flag.NewFlagSet("ctl", flag.ContinueOnError)
	addr := fs.String("addr", "", "Server address (default [server].addr)")
	timeout := fs.Duration("timeout", 30*time.Second, "Deadline for unary calls")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: tiervm ctl [options] <procedure> [key=value...]\n\n")
		fmt.Fprintf(os.Stderr, "Values are numbers, true, false, null or strings; args=1,2,3 is a list.\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		fs.Usage()
		return flag.ErrHelp
	}

	target := *addr
	if target == "" {
		file, err := config.FindAndLoad(".")
		if err != nil {
			return err
		}
		if file == nil {
			file = config.Default()
		}
		target = file.Server.Addr
	}

	req, err := parseFields(fs.Args()[1:])
	if err != nil {
		return err
	}
	procedure := "/" + server.ControlServiceName + "/" + fs.Arg(0)

	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", target, err)
	}
	defer conn.Close()

	if procedure == server.WatchEventsProcedure {
		return watch(conn, req, os.Stdout)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	res := &structpb.Struct{}
	if err := conn.Invoke(ctx, procedure, req, res); err != nil {
		return err
	}
	return printMessage(os.Stdout, res, true)
}

// watch prints streamed events, one JSON object per line, until the
// server ends the stream or the process is interrupted.
func watch(conn *grpc.ClientConn, req *structpb.Struct, w io.Writer) error {
	desc := &grpc.StreamDesc{StreamName: "WatchEvents", ServerStreams: true}
	stream, err := conn.NewStream(context.Background(), desc, server.WatchEventsProcedure)
	if err != nil {
		return err
	}
	if err := stream.SendMsg(req); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		ev := &structpb.Struct{}
		if err := stream.RecvMsg(ev); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := printMessage(w, ev, false); err != nil {
			return err
		}
	}
}

func printMessage(w io.Writer, msg *structpb.Struct, multiline bool) error {
	opts := protojson.MarshalOptions{Multiline: multiline, Indent: "  "}
	if !multiline {
		opts.Indent = ""
	}
	data, err := opts.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// parseFields builds a request from key=value words. The args key always
// holds a list.
func parseFields(words []string) (*structpb.Struct, error) {
	fields := make(map[string]*structpb.Value, len(words))
	for _, w := range words {
		key, raw, ok := strings.Cut(w, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", w)
		}
		if key == "args" {
			var items []*structpb.Value
			if raw != "" {
				for _, item := range strings.Split(raw, ",") {
					items = append(items, parseField(item))
				}
			}
			fields[key] = structpb.NewListValue(&structpb.ListValue{Values: items})
			continue
		}
		fields[key] = parseField(raw)
	}
	return &structpb.Struct{Fields: fields}, nil
}

func parseField(raw string) *structpb.Value {
	switch raw {
	case "null", "nil":
		return structpb.NewNullValue()
	case "true":
		return structpb.NewBoolValue(true)
	case "false":
		return structpb.NewBoolValue(false)
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return structpb.NewNumberValue(f)
	}
	if s, err := strconv.Unquote(raw); err == nil {
		return structpb.NewStringValue(s)
	}
	return structpb.NewStringValue(raw)
}
