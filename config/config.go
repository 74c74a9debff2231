package config

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var DB *gorm.DB

// Redis is the client backing the automated-contact queue. Nil when
// REDIS_ADDR is unset or the server is unreachable; the queue features
// degrade, dispatch itself does not.
var Redis *redis.Client

// Mongo holds the contact-graph database. Nil when unavailable.
var Mongo *mongo.Database

func Connect() {
	// Load .env file
	err := godotenv.Load()
	if err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	dsn := os.Getenv("DB_DSN")
	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}

	// Run migrations
	if err := Migrations(DB); err != nil {
		log.Fatal("Failed to run migrations:", err)
	}

	// Seed cycle bands, roles and partners
	if err := RunAllSeeding(); err != nil {
		log.Fatal("Failed to seed database:", err)
	}

	connectRedis()
	connectMongo()
}

func connectRedis() {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		log.Println("REDIS_ADDR not set, automated-contact queue disabled")
		return
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: os.Getenv("REDIS_PASSWORD"),
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Printf("Redis unreachable (%v), automated-contact queue disabled", err)
		return
	}
	Redis = client
}

func connectMongo() {
	uri := os.Getenv("MONGO_URI")
	if uri == "" {
		log.Println("MONGO_URI not set, contact graph disabled")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		log.Printf("Mongo unreachable (%v), contact graph disabled", err)
		return
	}
	if err := client.Ping(ctx, nil); err != nil {
		log.Printf("Mongo ping failed (%v), contact graph disabled", err)
		return
	}
	dbName := os.Getenv("MONGO_DB")
	if dbName == "" {
		dbName = "collection"
	}
	Mongo = client.Database(dbName)
}
