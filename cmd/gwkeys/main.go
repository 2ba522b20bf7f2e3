// gwkeys provisions the gateway key store: device root keys in, key-free
// listings out. It also mints operator tokens for the ops API.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/agrimesh/field-gateway/internal/api"
	"github.com/agrimesh/field-gateway/internal/keystore"
	"github.com/agrimesh/field-gateway/pkg/lorawan"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "store":
		err = cmdStore(os.Args[2:])
	case "list":
		err = cmdList(os.Args[2:])
	case "delete":
		err = cmdDelete(os.Args[2:])
	case "erase":
		err = cmdErase(os.Args[2:])
	case "token":
		err = cmdToken(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatal().Err(err).Msg(os.Args[1] + " failed")
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: gwkeys <command> [flags]

commands:
  store   provision or overwrite a device's root keys
  list    print the key-free view of all provisioned devices
  delete  remove one device
  erase   drop every key, session and nonce
  token   mint an operator token for the ops API
`)
}

func openStore(fs *flag.FlagSet, args []string) (*keystore.SQLiteStore, error) {
	path := fs.String("keystore", "/var/lib/field-gateway/keys.db", "key store path")
	passphrase := fs.String("passphrase", os.Getenv("KEYSTORE_PASSPHRASE"), "sealing passphrase")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return keystore.Open(*path, *passphrase)
}

func cmdStore(args []string) error {
	fs := flag.NewFlagSet("store", flag.ExitOnError)
	devEUIHex := fs.String("dev-eui", "", "device EUI (16 hex chars)")
	appEUIHex := fs.String("app-eui", "", "application EUI (16 hex chars)")
	appKeyHex := fs.String("app-key", "", "application root key (32 hex chars)")
	nwkKeyHex := fs.String("nwk-key", "", "network root key (32 hex chars, defaults to app key)")

	store, err := openStore(fs, args)
	if err != nil {
		return err
	}
	defer store.Close()

	var dev keystore.Device
	if err := dev.DevEUI.UnmarshalText([]byte(*devEUIHex)); err != nil {
		return fmt.Errorf("bad -dev-eui: %w", err)
	}
	if err := dev.AppEUI.UnmarshalText([]byte(*appEUIHex)); err != nil {
		return fmt.Errorf("bad -app-eui: %w", err)
	}
	if err := dev.AppKey.UnmarshalText([]byte(*appKeyHex)); err != nil {
		return fmt.Errorf("bad -app-key: %w", err)
	}
	if *nwkKeyHex == "" {
		dev.NwkKey = dev.AppKey
	} else if err := dev.NwkKey.UnmarshalText([]byte(*nwkKeyHex)); err != nil {
		return fmt.Errorf("bad -nwk-key: %w", err)
	}

	return store.Store(dev)
}

func cmdList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	store, err := openStore(fs, args)
	if err != nil {
		return err
	}
	defer store.Close()

	infos, err := store.List()
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(infos)
}

func cmdDelete(args []string) error {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	devEUIHex := fs.String("dev-eui", "", "device EUI (16 hex chars)")

	store, err := openStore(fs, args)
	if err != nil {
		return err
	}
	defer store.Close()

	var devEUI lorawan.EUI64
	if err := devEUI.UnmarshalText([]byte(*devEUIHex)); err != nil {
		return fmt.Errorf("bad -dev-eui: %w", err)
	}
	return store.Delete(devEUI)
}

func cmdErase(args []string) error {
	fs := flag.NewFlagSet("erase", flag.ExitOnError)
	confirm := fs.Bool("yes", false, "confirm erasing every key")

	store, err := openStore(fs, args)
	if err != nil {
		return err
	}
	defer store.Close()

	if !*confirm {
		return fmt.Errorf("refusing to erase without -yes")
	}
	return store.EraseAll()
}

func cmdToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	secret := fs.String("secret", os.Getenv("API_JWT_SECRET"), "ops API JWT secret")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *secret == "" {
		return fmt.Errorf("missing -secret")
	}

	token, err := api.IssueToken(*secret, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
