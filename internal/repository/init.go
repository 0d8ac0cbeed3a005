package repository

import (
	"time"

	"gorm.io/gorm"

	"github.com/customeros/mailbridge/config"
	"github.com/customeros/mailbridge/interfaces"
	"github.com/customeros/mailbridge/internal/models"
)

type Repositories struct {
	AccountRepository      interfaces.AccountRepository
	CredentialRepository   interfaces.CredentialRepository
	SubscriptionRepository interfaces.SubscriptionRepository
	NotificationRepository interfaces.NotificationRepository
}

func InitRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		AccountRepository:      NewAccountRepository(db),
		CredentialRepository:   NewCredentialRepository(db),
		SubscriptionRepository: NewSubscriptionRepository(db),
		NotificationRepository: NewNotificationRepository(db),
	}
}

func MigrateDB(dbConfig *config.DatabaseConfig, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}

	sqlDB.SetMaxOpenConns(5)

	err = db.AutoMigrate(
		&models.Account{},
		&models.Credential{},
		&models.Subscription{},
		&models.NotificationReceipt{},
		&models.AccountSequence{},
	)

	sqlDB.SetMaxIdleConns(dbConfig.MaxIdleConn)
	sqlDB.SetMaxOpenConns(dbConfig.MaxConn)
	sqlDB.SetConnMaxLifetime(time.Duration(dbConfig.ConnMaxLifetime) * time.Minute)

	return err
}
