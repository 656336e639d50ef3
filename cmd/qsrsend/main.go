// Command qsrsend is a small end-to-end example of the qsrmail library:
// it builds one message from flags, queues it on a Transport, and
// prints the outcome. Configuration can also come from a file (any
// format github.com/spf13/viper understands) or environment variables
// prefixed QSRSEND_, following the loading idiom of
// shandysiswandi-gobite's internal/pkg/config/viper.go.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/fenderle/qsrmail/address"
	"github.com/fenderle/qsrmail/mailmsg"
	"github.com/fenderle/qsrmail/transport"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "qsrsend:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("qsrsend", flag.ContinueOnError)
	configFile := fs.String("config", "", "path to a config file (yaml/json/toml, viper-loaded)")
	host := fs.String("host", "", "SMTP server host")
	port := fs.Int("port", 587, "SMTP server port")
	user := fs.String("user", "", "SASL username")
	password := fs.String("password", "", "SASL password")
	tlsLevel := fs.String("tls", "optional", "disabled, optional, or required")
	from := fs.String("from", "", "From address")
	to := fs.String("to", "", "comma-separated To addresses")
	subject := fs.String("subject", "", "Subject header")
	body := fs.String("body", "", "plain text body")
	attach := fs.String("attach", "", "path to a file to attach")
	if err := fs.Parse(args); err != nil {
		return err
	}

	v := viper.New()
	v.SetEnvPrefix("QSRSEND")
	v.AutomaticEnv()
	if *configFile != "" {
		v.SetConfigFile(*configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config: %w", err)
		}
	}
	getOrFlag := func(key, flagVal string) string {
		if flagVal != "" {
			return flagVal
		}
		return v.GetString(key)
	}

	opts := transport.Opts{
		Host:     getOrFlag("host", *host),
		Port:     *port,
		User:     getOrFlag("user", *user),
		Password: getOrFlag("password", *password),
		AuthMech: transport.AuthAutoSelect,
		Timeout:  60 * time.Second,
	}
	if opts.Host == "" {
		return fmt.Errorf("no host given, use -host or set QSRSEND_HOST")
	}
	if opts.User == "" {
		opts.AuthMech = transport.AuthDisabled
	}
	switch strings.ToLower(getOrFlag("tls", *tlsLevel)) {
	case "disabled":
		opts.TLSLevel = transport.TLSDisabled
	case "required":
		opts.TLSLevel = transport.TLSRequired
	default:
		opts.TLSLevel = transport.TLSOptional
	}

	msg := mailmsg.New()
	fromAddr, err := address.Parse(*from)
	if err != nil {
		return fmt.Errorf("parsing -from: %w", err)
	}
	msg.AddFrom(fromAddr)
	for _, s := range strings.Split(*to, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		a, err := address.Parse(s)
		if err != nil {
			return fmt.Errorf("parsing -to %q: %w", s, err)
		}
		msg.AddTo(a)
	}
	msg.SetSubject(*subject)
	msg.SetUserAgent("qsrsend")

	if *attach == "" {
		part := mailmsg.NewBodyPart()
		part.SetBodyBytes([]byte(*body))
		msg.SetBody(part)
	} else {
		root := mailmsg.NewMimeMultipart(mailmsg.Mixed)

		text := mailmsg.NewMimePart()
		text.SetContentType("text/plain; charset=utf-8")
		text.SetBodyBytes([]byte(*body))
		root.AddPart(text)

		f, err := os.Open(*attach)
		if err != nil {
			return fmt.Errorf("opening -attach: %w", err)
		}
		att := mailmsg.NewMimePart()
		att.SetBodySource(mailmsg.NewReaderSource(f), true)
		att.SetFilename(baseName(*attach))
		root.AddPart(att)

		msg.SetBody(root)
	}

	tp := transport.New(opts)
	txn := tp.Enqueue(&msg)
	txn.OnFinished = func() {
		if txn.Kind() == transport.KindNone {
			fmt.Println("delivered")
			return
		}
		fmt.Printf("failed: %s: %v\n", txn.Kind(), txn.Err())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := tp.Run(ctx); err != nil {
		return err
	}
	if txn.Kind() != transport.KindNone {
		return txn.Err()
	}
	return nil
}

func baseName(path string) string {
	if i := strings.LastIndexAny(path, `/\`); i >= 0 {
		return path[i+1:]
	}
	return path
}
