package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	app "github.com/etitcombe/taskflow"
	"github.com/etitcombe/taskflow/auth"
	"github.com/etitcombe/taskflow/config"
	"github.com/etitcombe/taskflow/db"
	"github.com/etitcombe/taskflow/rand"
	"github.com/google/uuid"
)

/*
Maintenance tasks for a taskflow deployment. The database comes from the same
configuration the web server reads (taskflow.toml, .env, environment, -dsn).

1. > ./admin -cmd=secret
   prints a value for JWT_SECRET
2. > ./admin -cmd=pepper
   prints a value for PEPPER; set it once, changing it invalidates every password
3. > ./admin -cmd=password -pepper=... -password=fancy-password
   prints the bcrypt hash the server would store
4. > ./admin -cmd=migrate
   applies pending migrations and lists the applied ones
5. > ./admin -cmd=useradd -email=user@site.com -password=fancy-password -name=User
6. > ./admin -cmd=stats -email=user@site.com
*/

func main() {
	var (
		cmd      string
		pepper   string
		password string
		email    string
		name     string
	)
	flag.StringVar(&cmd, "cmd", "", "The command to execute: secret, pepper, password, migrate, useradd, stats. [Required]")
	flag.StringVar(&pepper, "pepper", "", "The pepper to use when hashing a password. [Defaults to PEPPER]")
	flag.StringVar(&password, "password", "", "The password to hash or to give the user. [Required when cmd=password or cmd=useradd]")
	flag.StringVar(&email, "email", "", "The email of the user. [Required when cmd=useradd or cmd=stats]")
	flag.StringVar(&name, "name", "", "The display name of the user. [Optional when cmd=useradd]")

	config.LoadDotenv()
	cfg, err := config.LoadForAdmin(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatal("loading config", "err", err)
	}
	if pepper == "" {
		pepper = cfg.Auth.Pepper
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	switch cmd {
	case "secret", "pepper":
		generateSecret()
	case "password":
		if password == "" {
			flag.Usage()
			return
		}
		hashPassword(pepper, password)
	case "migrate":
		database := open(cfg)
		defer database.Close()
		listMigrations(ctx, database)
	case "useradd":
		if email == "" || password == "" {
			flag.Usage()
			return
		}
		database := open(cfg)
		defer database.Close()
		addUser(ctx, db.NewUserStore(database, pepper), email, password, name)
	case "stats":
		if email == "" {
			flag.Usage()
			return
		}
		database := open(cfg)
		defer database.Close()
		printStats(ctx, database, pepper, email)
	default:
		flag.Usage()
	}
}

func open(cfg *config.Config) *db.DB {
	database := db.New(cfg.Database.Driver, cfg.Database.DSN)
	if err := database.Open(); err != nil {
		log.Fatal("opening database", "driver", cfg.Database.Driver, "err", err)
	}
	return database
}

func generateSecret() {
	s, err := rand.Secret()
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(s)
}

func hashPassword(pepper, password string) {
	hash, err := db.HashPassword(password, pepper)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(hash)
}

func listMigrations(ctx context.Context, database *db.DB) {
	names, err := database.Migrations(ctx)
	if err != nil {
		log.Fatal("listing migrations", "err", err)
	}
	for _, n := range names {
		fmt.Println(n)
	}
}

func addUser(ctx context.Context, users app.UserStore, email, password, name string) {
	if !strings.Contains(email, "@") {
		log.Fatal("a valid email is required", "email", email)
	}
	if len(password) < auth.MinPasswordLength {
		log.Fatal("password too short", "min", auth.MinPasswordLength)
	}
	u := &app.User{
		ID:        uuid.NewString(),
		Email:     email,
		Name:      strings.TrimSpace(name),
		CreatedAt: time.Now().UTC(),
	}
	if err := users.Create(ctx, u, password); err != nil {
		log.Fatal("creating user", "email", email, "err", app.ErrorMessage(err))
	}
	fmt.Println(u.ID)
}

func printStats(ctx context.Context, database *db.DB, pepper, email string) {
	u, err := db.NewUserStore(database, pepper).ByEmail(ctx, email)
	if err != nil {
		log.Fatal("finding user", "email", email, "err", app.ErrorMessage(err))
	}
	stats, err := db.NewTaskStore(database).TaskStats(ctx, u.ID)
	if err != nil {
		log.Fatal("counting tasks", "err", err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(stats); err != nil {
		log.Fatal(err)
	}
}
