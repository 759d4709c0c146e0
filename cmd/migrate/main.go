package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/aihub/knowledge-pipeline/internal/config"
	"github.com/aihub/knowledge-pipeline/internal/database"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	_ "github.com/lib/pq" // PostgreSQL driver
)

func main() {
	var action = flag.String("action", "up", "Migration action: up, down, version, goto, force")
	var version = flag.Int("version", 0, "Target version for goto/force")
	var steps = flag.Int("steps", 1, "Number of versions to roll back for down")
	var path = flag.String("path", "./migrations", "Migration files directory")
	var databaseURL = flag.String("database-url", "", "PostgreSQL DSN, defaults to DATABASE_URL")
	flag.Parse()

	_ = godotenv.Load()

	// 只需要数据库地址时不加载完整配置
	dsn := *databaseURL
	if dsn == "" {
		dsn = os.Getenv("DATABASE_URL")
	}
	if dsn == "" {
		if err := config.LoadConfig(); err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		dsn = config.AppConfig.Database.URL
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}

	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)

	migrationManager, err := database.NewMigrationManager(db, *path, logger)
	if err != nil {
		log.Fatalf("Failed to create migration manager: %v", err)
	}
	defer migrationManager.Close()

	switch *action {
	case "up":
		fmt.Println("Running migrations up...")
		if err := migrationManager.Up(); err != nil {
			log.Fatalf("Migration up failed: %v", err)
		}
		fmt.Println("Migrations completed successfully")

	case "down":
		fmt.Printf("Rolling back %d migration(s)...\n", *steps)
		if err := migrationManager.Rollback(*steps); err != nil {
			log.Fatalf("Migration down failed: %v", err)
		}
		fmt.Println("Rollback completed successfully")

	case "version":
		status, err := migrationManager.Status()
		if err != nil {
			log.Fatalf("Failed to get version: %v", err)
		}
		if !status.Applied {
			fmt.Println("No migrations applied")
			break
		}
		fmt.Printf("Current version: %d", status.Version)
		if status.Dirty {
			fmt.Printf(" (dirty - run -action force -version N after checking the schema)")
		}
		fmt.Println()

	case "goto":
		if *version <= 0 {
			log.Fatal("Version must be specified for goto action")
		}
		fmt.Printf("Migrating to version %d...\n", *version)
		if err := migrationManager.Goto(uint(*version)); err != nil {
			log.Fatalf("Migration to version %d failed: %v", *version, err)
		}
		fmt.Printf("Successfully migrated to version %d\n", *version)

	case "force":
		if *version <= 0 {
			log.Fatal("Version must be specified for force action")
		}
		if err := migrationManager.Force(uint(*version)); err != nil {
			log.Fatalf("Force version %d failed: %v", *version, err)
		}
		fmt.Printf("Forced version %d\n", *version)

	default:
		fmt.Printf("Unknown action: %s\n", *action)
		fmt.Println("Available actions: up, down, version, goto, force")
		os.Exit(1)
	}
}
