package cmd

import (
	"github.com/spf13/viper"

	"github.com/MischaAhrens/rawstore/pkg/bridge"
	"github.com/MischaAhrens/rawstore/pkg/ingest"
	"github.com/MischaAhrens/rawstore/pkg/mongostore"
	"github.com/MischaAhrens/rawstore/pkg/mqttsource"
)

// Configuration is environment-driven: every key below maps to the env
// variable of the same name uppercased (broker_host → BROKER_HOST).
func init() {
	viper.SetDefault("broker_host", "localhost")
	viper.SetDefault("broker_port", 1883)
	viper.SetDefault("broker_username", "")
	viper.SetDefault("broker_password", "")
	viper.SetDefault("broker_client_id", "rawstore-bridge")
	viper.SetDefault("topic_filter", "+/raw_message_to_db")
	viper.SetDefault("topic_qos", 1)
	viper.SetDefault("reconnect_min", "1s")
	viper.SetDefault("reconnect_max", "2m")

	viper.SetDefault("store_host", "localhost")
	viper.SetDefault("store_port", 27017)
	viper.SetDefault("store_username", "")
	viper.SetDefault("store_password", "")
	viper.SetDefault("store_login_db", "")
	viper.SetDefault("store_database", "rawstore")
	viper.SetDefault("store_collection", "raw_messages")

	viper.SetDefault("queue_capacity", 4096)
	viper.SetDefault("num_workers", 1)
	viper.SetDefault("overflow_policy", "block")
	viper.SetDefault("overflow_wait", "5s")

	viper.SetDefault("write_timeout", "10s")
	viper.SetDefault("write_max_attempts", 5)
	viper.SetDefault("write_retry_min", "500ms")
	viper.SetDefault("write_retry_max", "8s")

	viper.SetDefault("startup_timeout", "30s")
	viper.SetDefault("drain_timeout", "30s")
	viper.SetDefault("http_addr", ":8080")
	viper.SetDefault("log_level", "debug")
}

func sourceConfig() (mqttsource.Config, error) {
	qos, err := mqttsource.ParseQoS(viper.GetInt("topic_qos"))
	if err != nil {
		return mqttsource.Config{}, err
	}
	return mqttsource.Config{
		BrokerHost:   viper.GetString("broker_host"),
		BrokerPort:   viper.GetInt("broker_port"),
		Username:     viper.GetString("broker_username"),
		Password:     viper.GetString("broker_password"),
		ClientID:     viper.GetString("broker_client_id"),
		ReconnectMin: viper.GetDuration("reconnect_min"),
		ReconnectMax: viper.GetDuration("reconnect_max"),
		Subscription: mqttsource.Subscription{
			TopicFilter: viper.GetString("topic_filter"),
			QoS:         qos,
		},
	}, nil
}

func storeConfig() mongostore.Config {
	return mongostore.Config{
		Host:       viper.GetString("store_host"),
		Port:       viper.GetInt("store_port"),
		Username:   viper.GetString("store_username"),
		Password:   viper.GetString("store_password"),
		LoginDB:    viper.GetString("store_login_db"),
		Database:   viper.GetString("store_database"),
		Collection: viper.GetString("store_collection"),
	}
}

func writerConfig() mongostore.WriterConfig {
	return mongostore.WriterConfig{
		WriteTimeout: viper.GetDuration("write_timeout"),
		MaxAttempts:  viper.GetInt("write_max_attempts"),
		RetryMin:     viper.GetDuration("write_retry_min"),
		RetryMax:     viper.GetDuration("write_retry_max"),
	}
}

func pipelineConfig() (ingest.PipelineConfig, error) {
	policy, err := ingest.ParseOverflowPolicy(viper.GetString("overflow_policy"))
	if err != nil {
		return ingest.PipelineConfig{}, err
	}
	return ingest.PipelineConfig{
		QueueCapacity:  viper.GetInt("queue_capacity"),
		NumWorkers:     viper.GetInt("num_workers"),
		OverflowPolicy: policy,
		OverflowWait:   viper.GetDuration("overflow_wait"),
	}, nil
}

func bridgeConfig() bridge.Config {
	return bridge.Config{
		HTTPAddr:     viper.GetString("http_addr"),
		DrainTimeout: viper.GetDuration("drain_timeout"),
	}
}
