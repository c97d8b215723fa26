// main.go - admin control tool for crena
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"crena/internal"
	"crena/internal/seeder"
	"crena/internal/services"
	"crena/internal/users"
)

const defaultShutdownTimeout = 30 * time.Second

// Command defines the interface for all command implementations
type Command interface {
	// Name returns the command name
	Name() string
	// Description returns the command description
	Description() string
	// Execute runs the command with the given app and args
	Execute(ctx context.Context, app *internal.Application, args []string) error
}

// The set of available commands
var commands = []Command{
	&CreateUserCommand{},
	&ChangePasswordCommand{},
	&RotateTokenCommand{},
	&CreateServiceCommand{},
	&ArchiveServiceCommand{},
	&SeedCommand{},
	&MigrateCommand{},
	&StatusCommand{},
	&HelpCommand{},
}

func main() {
	flag.Parse()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := <-sigChan
		log.Printf("Received signal: %v, initiating cleanup...", sig)
		cancel()
	}()

	cmdName, args := parseArgs()

	cmd := findCommand(cmdName)
	if cmd == nil {
		showUsageAndExit()
	}

	app, err := internal.NewApp()
	if err != nil {
		log.Fatalf("Failed to initialize app: %v", err)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		if err := app.Shutdown(shutdownCtx); err != nil {
			log.Printf("Warning: Cleanup error: %v", err)
		}
	}()

	if err := app.DBManager.MigrateDatabase(); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}

	if err := cmd.Execute(ctx, app, args); err != nil {
		log.Fatalf("Command failed: %v", err)
	}

	log.Printf("Command %s completed successfully", cmd.Name())
}

// CreateUserCommand creates a new user with an API token
type CreateUserCommand struct{}

func (c *CreateUserCommand) Name() string        { return "create-user" }
func (c *CreateUserCommand) Description() string { return "Creates a new user" }

func (c *CreateUserCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: %s <email> [password]", c.Name())
	}

	email := args[0]
	var password string
	if len(args) >= 2 {
		password = args[1]
	} else {
		var err error
		password, err = promptPassword(true)
		if err != nil {
			return err
		}
	}

	db := app.DBManager.GetConnection()
	user, err := users.CreateUser(db, email, password)
	if err != nil {
		if errors.Is(err, users.ErrUserExists) {
			log.Printf("User %s already exists", email)
			return nil
		}
		return fmt.Errorf("failed to create user: %w", err)
	}

	fmt.Printf("Created user %s\n", user.Email)
	fmt.Printf("API token: %s\n", user.APIToken)
	return nil
}

// ChangePasswordCommand updates the password of an existing user
type ChangePasswordCommand struct{}

func (c *ChangePasswordCommand) Name() string { return "change-password" }
func (c *ChangePasswordCommand) Description() string {
	return "Changes the password of an existing user"
}

func (c *ChangePasswordCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	reader := bufio.NewReader(os.Stdin)

	var email string
	if len(args) >= 1 {
		email = args[0]
	} else {
		fmt.Print("Enter email: ")
		input, _ := reader.ReadString('\n')
		email = strings.TrimSpace(input)
	}
	if email == "" {
		return fmt.Errorf("email is required")
	}

	db := app.DBManager.GetConnection()
	if _, err := users.FindByEmail(db, email); err != nil {
		return fmt.Errorf("user lookup failed: %w", err)
	}

	var newPassword string
	if len(args) >= 2 {
		newPassword = args[1]
	} else {
		var err error
		newPassword, err = promptPassword(true)
		if err != nil {
			return err
		}
	}
	if newPassword == "" {
		return fmt.Errorf("password cannot be empty")
	}

	if err := users.ChangePassword(db, email, newPassword); err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}

	fmt.Println("Password updated successfully")
	return nil
}

// RotateTokenCommand replaces a user's API token
type RotateTokenCommand struct{}

func (c *RotateTokenCommand) Name() string        { return "rotate-token" }
func (c *RotateTokenCommand) Description() string { return "Replaces a user's API token" }

func (c *RotateTokenCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: %s <email>", c.Name())
	}

	db := app.DBManager.GetConnection()
	user, err := users.FindByEmail(db, args[0])
	if err != nil {
		return fmt.Errorf("user lookup failed: %w", err)
	}

	if err := users.RotateAPIToken(db, user); err != nil {
		return fmt.Errorf("failed to rotate token: %w", err)
	}

	fmt.Printf("New API token: %s\n", user.APIToken)
	return nil
}

// CreateServiceCommand registers a new tracked service
type CreateServiceCommand struct{}

func (c *CreateServiceCommand) Name() string        { return "create-service" }
func (c *CreateServiceCommand) Description() string { return "Registers a new tracked service" }

func (c *CreateServiceCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	fs := flag.NewFlagSet(c.Name(), flag.ContinueOnError)
	owner := fs.String("owner", "", "email of the owning user")
	name := fs.String("name", "", "display name")
	link := fs.String("link", "", "canonical URL of the tracked site")
	origins := fs.String("origins", "*", "comma-separated allowed origins")
	respectDNT := fs.Bool("respect-dnt", true, "honor visitor do-not-track signals")
	ignoreRobots := fs.Bool("ignore-robots", false, "drop traffic classified as robots")
	collectIPs := fs.Bool("collect-ips", true, "store visitor IP addresses")
	ignoredIPs := fs.String("ignored-ips", "", "comma-separated CIDR networks to ignore")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *owner == "" || *name == "" {
		return fmt.Errorf("usage: %s -owner <email> -name <name> [-link <url>] [flags]", c.Name())
	}

	db := app.DBManager.GetConnection()
	user, err := users.FindByEmail(db, *owner)
	if err != nil {
		return fmt.Errorf("owner lookup failed: %w", err)
	}

	svc := &services.Service{
		OwnerID:      user.ID,
		Name:         *name,
		Link:         *link,
		Origins:      *origins,
		RespectDNT:   *respectDNT,
		IgnoreRobots: *ignoreRobots,
		CollectIPs:   *collectIPs,
		IgnoredIPs:   *ignoredIPs,
	}
	if err := services.CreateService(db, app.Logger, svc); err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	fmt.Printf("Created service %s\n", svc.Name)
	fmt.Printf("UUID: %s\n", svc.UUID)
	fmt.Printf("Tracker script: /ingress/%s/script.js\n", svc.UUID)
	fmt.Printf("Tracking pixel: /ingress/%s/pixel.gif\n", svc.UUID)
	return nil
}

// ArchiveServiceCommand soft-disables a service
type ArchiveServiceCommand struct{}

func (c *ArchiveServiceCommand) Name() string { return "archive-service" }
func (c *ArchiveServiceCommand) Description() string {
	return "Archives a service, stopping collection"
}

func (c *ArchiveServiceCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: %s <service-uuid>", c.Name())
	}

	db := app.DBManager.GetConnection()
	if err := services.ArchiveService(db, app.Logger, args[0]); err != nil {
		return fmt.Errorf("failed to archive service: %w", err)
	}

	fmt.Printf("Archived service %s\n", args[0])
	return nil
}

// SeedCommand populates the DB with demo traffic
type SeedCommand struct{}

func (c *SeedCommand) Name() string        { return "seed" }
func (c *SeedCommand) Description() string { return "Seeds the database with demo traffic" }

func (c *SeedCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	fs := flag.NewFlagSet(c.Name(), flag.ContinueOnError)
	count := fs.Int("sessions", 500, "number of sessions to generate")
	serviceUUID := fs.String("service", "", "seed an existing service instead of the demo service")
	if err := fs.Parse(args); err != nil {
		return err
	}

	se := seeder.NewSeeder(app.DBManager, app.Logger, *count)
	if *serviceUUID != "" {
		return se.SeedService(ctx, *serviceUUID)
	}
	return se.Run(ctx)
}

// MigrateCommand runs database migrations
type MigrateCommand struct{}

func (c *MigrateCommand) Name() string        { return "migrate" }
func (c *MigrateCommand) Description() string { return "Runs database migrations" }

func (c *MigrateCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	// Migrations already ran during startup; this exists for explicit use
	// in deploy scripts.
	log.Println("Migrations completed successfully")
	return nil
}

// StatusCommand reports system status
type StatusCommand struct{}

func (c *StatusCommand) Name() string        { return "status" }
func (c *StatusCommand) Description() string { return "Shows the current system status" }

func (c *StatusCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	db := app.DBManager.GetConnection()

	var userCount, serviceCount, sessionCount int64
	if err := db.Table("users").Count(&userCount).Error; err != nil {
		return fmt.Errorf("database error: %w", err)
	}
	db.Table("services").Count(&serviceCount)
	db.Table("sessions").Count(&sessionCount)

	log.Println("System Status:")
	log.Println("- Database: Connected")
	log.Printf("- Users: %d", userCount)
	log.Printf("- Services: %d", serviceCount)
	log.Printf("- Sessions: %d", sessionCount)

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get SQL DB: %w", err)
	}
	log.Printf("- Open Connections: %d", sqlDB.Stats().OpenConnections)

	return nil
}

// HelpCommand shows usage information
type HelpCommand struct{}

func (c *HelpCommand) Name() string        { return "help" }
func (c *HelpCommand) Description() string { return "Shows usage information" }

func (c *HelpCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	fmt.Println("Usage: crenactl [command] [args...]")
	fmt.Println("Available commands:")

	for _, cmd := range commands {
		fmt.Printf("  %s: %s\n", cmd.Name(), cmd.Description())
	}

	return nil
}

// Helper functions

// promptPassword reads a password without echo, optionally confirming it.
func promptPassword(confirm bool) (string, error) {
	fmt.Print("Enter password: ")
	pwd1, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}

	if confirm {
		fmt.Print("Confirm password: ")
		pwd2, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		if string(pwd1) != string(pwd2) {
			return "", fmt.Errorf("passwords do not match")
		}
	}

	if len(pwd1) == 0 {
		return "", fmt.Errorf("password cannot be empty")
	}
	return string(pwd1), nil
}

// parseArgs parses the command name and arguments
func parseArgs() (string, []string) {
	args := os.Args[1:]
	if len(args) == 0 {
		return "help", []string{}
	}
	return args[0], args[1:]
}

// findCommand finds a command by name
func findCommand(name string) Command {
	for _, cmd := range commands {
		if cmd.Name() == name {
			return cmd
		}
	}
	return nil
}

// showUsageAndExit shows usage information and exits
func showUsageAndExit() {
	fmt.Println("Usage: crenactl [command] [args...]")
	fmt.Println("Available commands:")

	for _, cmd := range commands {
		fmt.Printf("  %s: %s\n", cmd.Name(), cmd.Description())
	}

	os.Exit(1)
}
