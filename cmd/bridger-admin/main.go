// bridger-admin manages gateway credentials on the EMQX broker: per-node
// users, their publish ACLs and the management API keys the bridge itself
// uses.
package main

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/austinmesh/bridger/internal/emqx"
)

func main() {
	app := &cli.App{
		Name:  "bridger-admin",
		Usage: "manage MQTT gateway users and ACLs",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "emqx-url",
				Usage:   "EMQX management API base URL",
				EnvVars: []string{"EMQX_URL"},
			},
			&cli.StringFlag{
				Name:    "api-key",
				Usage:   "EMQX management API key",
				EnvVars: []string{"EMQX_API_KEY"},
			},
			&cli.StringFlag{
				Name:    "secret-key",
				Usage:   "EMQX management API secret",
				EnvVars: []string{"EMQX_SECRET_KEY"},
			},
			&cli.StringFlag{
				Name:    "base-topic",
				Usage:   "ingest topic ACL rules are derived from",
				EnvVars: []string{"MQTT_TOPIC"},
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "debug logging",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "create-user",
				Usage:     "provision a gateway user and its ACL rule",
				ArgsUsage: "<gateway-id> <owner-id>",
				Action:    createUser,
			},
			{
				Name:      "delete-user",
				Usage:     "remove a gateway user and its ACL rules",
				ArgsUsage: "<gateway-id>",
				Action:    deleteUser,
			},
			{
				Name:   "list-users",
				Usage:  "list provisioned gateway users",
				Action: listUsers,
			},
			{
				Name:      "reset-password",
				Usage:     "generate a fresh password for an existing gateway",
				ArgsUsage: "<gateway-id>",
				Action:    resetPassword,
			},
			{
				Name:      "update-rules",
				Usage:     "rewrite a gateway's ACL rules from the current base topic",
				ArgsUsage: "<gateway-id>",
				Action:    updateRules,
			},
			{
				Name:  "generate-apikey",
				Usage: "generate broker API keys and the bootstrap file",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "bootstrap-file",
						Aliases: []string{"b"},
						Value:   "/opt/emqx/etc/api_key.bootstrap",
						Usage:   "path to the EMQX bootstrap file",
					},
					&cli.BoolFlag{
						Name:    "force",
						Aliases: []string{"f"},
						Usage:   "overwrite an existing bootstrap file",
					},
				},
				Action: generateAPIKey,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newManager(c *cli.Context) (*emqx.Manager, error) {
	url := c.String("emqx-url")
	if url == "" {
		return nil, fmt.Errorf("EMQX_URL (or --emqx-url) is required")
	}
	baseTopic := c.String("base-topic")
	if baseTopic == "" {
		return nil, fmt.Errorf("MQTT_TOPIC (or --base-topic) is required")
	}

	logger := zap.NewNop()
	if c.Bool("verbose") {
		var err error
		if logger, err = zap.NewDevelopment(); err != nil {
			return nil, err
		}
	}

	client := emqx.NewClient(url, c.String("api-key"), c.String("secret-key"), logger)
	return emqx.NewManager(client, baseTopic, logger), nil
}

func createUser(c *cli.Context) error {
	if c.NArg() != 2 {
		return fmt.Errorf("usage: create-user <gateway-id> <owner-id>")
	}
	ownerID, err := strconv.ParseUint(c.Args().Get(1), 10, 64)
	if err != nil {
		return fmt.Errorf("owner id must be numeric: %w", err)
	}
	m, err := newManager(c)
	if err != nil {
		return err
	}

	record, password, err := m.CreateGateway(c.Context, c.Args().Get(0), ownerID)
	if err != nil {
		return err
	}

	fmt.Println("Gateway user created")
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Username:\t%s\n", record.UserString())
	fmt.Fprintf(w, "Password:\t%s\n", password)
	return w.Flush()
}

func deleteUser(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("usage: delete-user <gateway-id>")
	}
	m, err := newManager(c)
	if err != nil {
		return err
	}
	if err := m.DeleteGateway(c.Context, c.Args().Get(0)); err != nil {
		return err
	}
	fmt.Println("Gateway user deleted")
	return nil
}

func listUsers(c *cli.Context) error {
	m, err := newManager(c)
	if err != nil {
		return err
	}
	records, err := m.ListGateways(c.Context)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No gateway users found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "USERNAME\tNODE ID")
	for _, record := range records {
		fmt.Fprintf(w, "%s\t%s\n", record.UserString(), record.HexID())
	}
	return w.Flush()
}

func resetPassword(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("usage: reset-password <gateway-id>")
	}
	m, err := newManager(c)
	if err != nil {
		return err
	}
	record, password, err := m.ResetPassword(c.Context, c.Args().Get(0))
	if err != nil {
		return err
	}

	fmt.Println("Password reset")
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Username:\t%s\n", record.UserString())
	fmt.Fprintf(w, "Password:\t%s\n", password)
	return w.Flush()
}

func updateRules(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("usage: update-rules <gateway-id>")
	}
	m, err := newManager(c)
	if err != nil {
		return err
	}
	if err := m.UpdateRules(c.Context, c.Args().Get(0)); err != nil {
		return err
	}
	fmt.Println("ACL rules updated")
	return nil
}

func generateAPIKey(c *cli.Context) error {
	bootstrapFile := c.String("bootstrap-file")
	force := c.Bool("force")

	if _, err := os.Stat(bootstrapFile); err == nil && !force {
		return fmt.Errorf("bootstrap file already exists at %s, use --force to overwrite", bootstrapFile)
	}
	if existing := existingEnvKeys(".env"); len(existing) > 0 && !force {
		return fmt.Errorf("keys already present in .env (%s), use --force to overwrite",
			strings.Join(existing, ", "))
	}

	apiKey := "bridger-" + randomHex(8)
	secretKey := randomHex(32)
	influxToken := randomToken(48)

	if err := os.MkdirAll(filepath.Dir(bootstrapFile), 0o755); err != nil {
		return fmt.Errorf("creating bootstrap directory: %w", err)
	}
	// Write-then-rename so a half-written bootstrap file is never picked
	// up by the broker.
	line := fmt.Sprintf("%s:%s:administrator\n", apiKey, secretKey)
	tmp := bootstrapFile + ".tmp"
	if err := os.WriteFile(tmp, []byte(line), 0o600); err != nil {
		return fmt.Errorf("writing bootstrap file: %w", err)
	}
	if err := os.Rename(tmp, bootstrapFile); err != nil {
		return fmt.Errorf("renaming bootstrap file: %w", err)
	}

	fmt.Println("Generated API and secret keys")
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "API Key:\t%s\n", apiKey)
	fmt.Fprintf(w, "Secret Key:\t%s\n", secretKey)
	fmt.Fprintf(w, "InfluxDB Token:\t%s\n", influxToken)
	w.Flush()

	fmt.Println("\nAdd these to your environment:")
	fmt.Printf("EMQX_API_KEY=%q\n", apiKey)
	fmt.Printf("EMQX_SECRET_KEY=%q\n", secretKey)
	fmt.Printf("INFLUXDB_V2_TOKEN=%q\n", influxToken)
	fmt.Printf("\nBootstrap file created at %s\n", bootstrapFile)
	return nil
}

// existingEnvKeys reports which of the generated key names already
// appear in an env file, so a rerun does not silently orphan credentials
// the broker was bootstrapped with.
func existingEnvKeys(path string) []string {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var found []string
	for _, name := range []string{"EMQX_API_KEY", "EMQX_SECRET_KEY", "INFLUXDB_V2_TOKEN"} {
		if strings.Contains(string(content), name+"=") {
			found = append(found, name)
		}
	}
	return found
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}

func randomToken(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return strings.TrimRight(base64.URLEncoding.EncodeToString(b), "=")
}
