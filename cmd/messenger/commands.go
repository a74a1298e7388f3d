package main

import (
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/l0p7/messenger"
	"github.com/spf13/pflag"
)

// prepare parses a command line into a call without touching the network or
// the configuration.
func prepare(name string, args []string) (call, error) {
	switch name {
	case "send-text":
		return prepareSendText(args)
	case "send":
		return prepareSend(args)
	case "debug-token":
		return prepareDebugToken(args)
	case "get":
		return prepareGet(args)
	case "post":
		return preparePost(args)
	default:
		return nil, usagef("unknown command %q", name)
	}
}

func newFlagSet(name string) *pflag.FlagSet {
	flagSet := pflag.NewFlagSet(name, pflag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	return flagSet
}

func parseFlags(flagSet *pflag.FlagSet, args []string) error {
	if err := flagSet.Parse(args); err != nil {
		return usagef("%s: %v", flagSet.Name(), err)
	}
	return nil
}

// deliveryFlags are shared by the send commands.
type deliveryFlags struct {
	notificationType string
	tag              string
	personaID        string
}

func (d *deliveryFlags) register(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&d.notificationType, "notification-type", string(messenger.NotificationRegular), "REGULAR, SILENT_PUSH or NO_PUSH")
	flagSet.StringVar(&d.tag, "tag", "", "message tag for MESSAGE_TAG sends")
	flagSet.StringVar(&d.personaID, "persona-id", "", "send as this persona")
}

func (d *deliveryFlags) options() []messenger.SendOption {
	opts := []messenger.SendOption{
		messenger.WithNotificationType(messenger.NotificationType(strings.ToUpper(d.notificationType))),
	}
	if d.tag != "" {
		opts = append(opts, messenger.WithTag(d.tag))
	}
	if d.personaID != "" {
		opts = append(opts, messenger.WithPersonaID(d.personaID))
	}
	return opts
}

func prepareSendText(args []string) (call, error) {
	var (
		delivery      deliveryFlags
		messagingType string
		templatePath  string
		vars          []string
	)
	flagSet := newFlagSet("send-text")
	delivery.register(flagSet)
	flagSet.StringVar(&messagingType, "messaging-type", string(messenger.MessagingUpdate), "RESPONSE, UPDATE or MESSAGE_TAG")
	flagSet.StringVar(&templatePath, "template", "", "template file, relative to templates.folder")
	flagSet.StringArrayVar(&vars, "var", nil, "template variable as key=value (repeatable)")
	if err := parseFlags(flagSet, args); err != nil {
		return nil, err
	}

	positional := flagSet.Args()
	switch {
	case templatePath == "" && len(positional) != 2:
		return nil, usagef("send-text: expected RECIPIENT TEXT")
	case templatePath != "" && len(positional) != 1:
		return nil, usagef("send-text: expected RECIPIENT with --template")
	case templatePath == "" && len(vars) > 0:
		return nil, usagef("send-text: --var requires --template")
	}
	recipient, err := parseRecipient(positional[0])
	if err != nil {
		return nil, err
	}
	data, err := parsePairs("--var", vars)
	if err != nil {
		return nil, err
	}
	opts := append(delivery.options(), messenger.WithMessagingType(messenger.MessagingType(strings.ToUpper(messagingType))))
	if _, err := messenger.NewEnvelope(messenger.MessagingUpdate, recipient, messenger.Object{}, opts...); err != nil {
		return nil, usagef("send-text: %v", err)
	}

	return func(ctx context.Context, s *session) (messenger.Object, error) {
		text := ""
		if templatePath == "" {
			text = positional[1]
		} else {
			tmpl, err := s.renderer.CompileFile(templatePath)
			if err != nil {
				return nil, err
			}
			values := make(map[string]any, len(data))
			for k, v := range data {
				values[k] = v
			}
			if text, err = tmpl.Render(values); err != nil {
				return nil, err
			}
		}
		return s.client.SendText(ctx, recipient, text, opts...)
	}, nil
}

func prepareSend(args []string) (call, error) {
	var delivery deliveryFlags
	flagSet := newFlagSet("send")
	delivery.register(flagSet)
	if err := parseFlags(flagSet, args); err != nil {
		return nil, err
	}
	positional := flagSet.Args()
	if len(positional) != 3 {
		return nil, usagef("send: expected MESSAGING_TYPE RECIPIENT MESSAGE_JSON")
	}
	messagingType := messenger.MessagingType(strings.ToUpper(positional[0]))
	recipient, err := parseRecipient(positional[1])
	if err != nil {
		return nil, err
	}
	var message messenger.Object
	if err := json.Unmarshal([]byte(positional[2]), &message); err != nil {
		return nil, usagef("send: MESSAGE_JSON must be a JSON object: %v", err)
	}
	// Enum typos are usage errors.
	if _, err := messenger.NewEnvelope(messagingType, recipient, message, delivery.options()...); err != nil {
		return nil, usagef("send: %v", err)
	}
	opts := delivery.options()

	return func(ctx context.Context, s *session) (messenger.Object, error) {
		return s.client.SendMessage(ctx, messagingType, recipient, message, opts...)
	}, nil
}

func prepareDebugToken(args []string) (call, error) {
	flagSet := newFlagSet("debug-token")
	if err := parseFlags(flagSet, args); err != nil {
		return nil, err
	}
	if flagSet.NArg() != 0 {
		return nil, usagef("debug-token: unexpected argument %q", flagSet.Arg(0))
	}
	return func(ctx context.Context, s *session) (messenger.Object, error) {
		return s.client.DebugToken(ctx)
	}, nil
}

func prepareGet(args []string) (call, error) {
	var params []string
	flagSet := newFlagSet("get")
	flagSet.StringArrayVar(&params, "param", nil, "query parameter as key=value (repeatable)")
	if err := parseFlags(flagSet, args); err != nil {
		return nil, err
	}
	endpoint, err := endpointArg(flagSet)
	if err != nil {
		return nil, err
	}
	query, err := parsePairs("--param", params)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, s *session) (messenger.Object, error) {
		return s.client.Get(ctx, endpoint, withToken(query, s.client))
	}, nil
}

func preparePost(args []string) (call, error) {
	var (
		params []string
		data   string
	)
	flagSet := newFlagSet("post")
	flagSet.StringArrayVar(&params, "param", nil, "query parameter as key=value (repeatable)")
	flagSet.StringVar(&data, "data", "", "JSON object sent as the request body")
	if err := parseFlags(flagSet, args); err != nil {
		return nil, err
	}
	endpoint, err := endpointArg(flagSet)
	if err != nil {
		return nil, err
	}
	query, err := parsePairs("--param", params)
	if err != nil {
		return nil, err
	}
	var body messenger.Object
	if data != "" {
		if err := json.Unmarshal([]byte(data), &body); err != nil {
			return nil, usagef("post: --data must be a JSON object: %v", err)
		}
	}
	return func(ctx context.Context, s *session) (messenger.Object, error) {
		return s.client.Post(ctx, endpoint, withToken(query, s.client), body)
	}, nil
}

func endpointArg(flagSet *pflag.FlagSet) (string, error) {
	if flagSet.NArg() != 1 {
		return "", usagef("%s: expected ENDPOINT", flagSet.Name())
	}
	endpoint := flagSet.Arg(0)
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	return endpoint, nil
}

// withToken keeps the configured access token on raw calls that add their own
// query parameters, unless the caller passed access_token explicitly.
func withToken(query map[string]string, client *messenger.Client) messenger.Params {
	if len(query) == 0 {
		return nil
	}
	params := messenger.Params{}
	for k, v := range query {
		params[k] = v
	}
	if _, ok := params["access_token"]; !ok {
		params["access_token"] = client.Config().AccessToken
	}
	return params
}

func parseRecipient(raw string) (messenger.Recipient, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, usagef("recipient required")
	}
	if !strings.HasPrefix(trimmed, "{") {
		return messenger.PSID(trimmed), nil
	}
	var recipient messenger.Recipient
	if err := json.Unmarshal([]byte(trimmed), &recipient); err != nil {
		return nil, usagef("recipient: invalid JSON object: %v", err)
	}
	return recipient, nil
}

func parsePairs(flag string, pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, usagef("%s %q: expected key=value", flag, pair)
		}
		out[key] = value
	}
	return out, nil
}
