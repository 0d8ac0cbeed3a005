package config

import (
	"log"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"

	"github.com/customeros/mailbridge/internal/logger"
	"github.com/customeros/mailbridge/internal/tracing"
)

type Config struct {
	AppConfig          *AppConfig
	Logger             *logger.Config
	Tracing            *tracing.JaegerConfig
	DatabaseConfig     *DatabaseConfig
	R2StorageConfig    *R2StorageConfig
	GoogleConfig       *GoogleConfig
	MicrosoftConfig    *MicrosoftConfig
	CredentialsConfig  *CredentialsConfig
	SubscriptionConfig *SubscriptionConfig
	DispatcherConfig   *DispatcherConfig
	ResolverConfig     *ResolverConfig
	CronConfig         *CronConfig
}

func InitConfig() (*Config, error) {
	config := &Config{
		AppConfig:          &AppConfig{},
		Logger:             &logger.Config{},
		Tracing:            &tracing.JaegerConfig{},
		DatabaseConfig:     &DatabaseConfig{},
		R2StorageConfig:    &R2StorageConfig{},
		GoogleConfig:       &GoogleConfig{},
		MicrosoftConfig:    &MicrosoftConfig{},
		CredentialsConfig:  &CredentialsConfig{},
		SubscriptionConfig: &SubscriptionConfig{},
		DispatcherConfig:   &DispatcherConfig{},
		ResolverConfig:     &ResolverConfig{},
		CronConfig:         &CronConfig{},
	}

	err := godotenv.Load()
	if err != nil {
		log.Print("Unable to load .env file")
	}

	err = env.Parse(config)
	if err != nil {
		return nil, err
	}

	return config, nil
}
