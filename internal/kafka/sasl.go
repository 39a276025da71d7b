package kafka

import (
	"fmt"
	"strings"

	"github.com/IBM/sarama"
	"github.com/xdg-go/scram"
)

// SASL 认证机制
const (
	MechanismPlain       = "PLAIN"
	MechanismSCRAMSHA256 = "SCRAM-SHA-256"
	MechanismSCRAMSHA512 = "SCRAM-SHA-512"
)

// SASLConfig SASL 认证配置, 为空表示不认证
type SASLConfig struct {
	Mechanism string
	Username  string
	Password  string
}

// scramClient 把 xdg-go/scram 会话适配为 sarama.SCRAMClient
type scramClient struct {
	hash         scram.HashGeneratorFcn
	conversation *scram.ClientConversation
}

func (c *scramClient) Begin(userName, password, authzID string) error {
	client, err := c.hash.NewClient(userName, password, authzID)
	if err != nil {
		return err
	}
	c.conversation = client.NewConversation()
	return nil
}

func (c *scramClient) Step(challenge string) (string, error) {
	return c.conversation.Step(challenge)
}

func (c *scramClient) Done() bool {
	return c.conversation.Done()
}

// applySASL 按认证机制配置 sarama
func applySASL(config *sarama.Config, sasl *SASLConfig) error {
	if sasl == nil || sasl.Username == "" {
		return nil
	}

	config.Net.SASL.Enable = true
	config.Net.SASL.User = sasl.Username
	config.Net.SASL.Password = sasl.Password

	switch strings.ToUpper(sasl.Mechanism) {
	case "", MechanismPlain:
		config.Net.SASL.Mechanism = sarama.SASLTypePlaintext
	case MechanismSCRAMSHA256:
		config.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
		config.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
			return &scramClient{hash: scram.SHA256}
		}
	case MechanismSCRAMSHA512:
		config.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
		config.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
			return &scramClient{hash: scram.SHA512}
		}
	default:
		return fmt.Errorf("unsupported sasl mechanism %q", sasl.Mechanism)
	}
	return nil
}
