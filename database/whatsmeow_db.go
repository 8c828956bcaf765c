package database

import (
	"context"
	"log"

	"go.mau.fi/whatsmeow/store/sqlstore"
	waLog "go.mau.fi/whatsmeow/util/log"
)

// Container menyimpan device store whatsmeow (key material per session).
var Container *sqlstore.Container

// InitWhatsmeow membuka (dan upgrade) store whatsmeow di Postgres.
func InitWhatsmeow(dbURL string) {
	dbLog := waLog.Stdout("Database", "INFO", true)

	container, err := sqlstore.New(context.Background(), "postgres", dbURL, dbLog)
	if err != nil {
		log.Fatal("Failed to init whatsmeow store:", err)
	}
	Container = container
	log.Println("Whatsmeow store connected successfully")
}
