package config

import (
	"testing"
	"time"
)

func TestGetWithoutLoadReturnsDefaults(t *testing.T) {
	c := Get()
	if c.App.Name != "opendesk" {
		t.Errorf("App.Name = %q", c.App.Name)
	}
	if c.Server.Port != 8080 {
		t.Errorf("Server.Port = %d", c.Server.Port)
	}
	if c.MailSync.ProcessedFolder != "Processed" {
		t.Errorf("ProcessedFolder = %q", c.MailSync.ProcessedFolder)
	}
}

func TestSetAppliesDefaults(t *testing.T) {
	Set(&Config{
		MailSync: MailSyncConfig{BatchLimit: 10},
		Storage:  StorageConfig{Backend: "s3"},
	})
	t.Cleanup(func() { Set(&Config{}) })

	c := Get()
	if c.MailSync.BatchLimit != 10 {
		t.Errorf("BatchLimit = %d, explicit value lost", c.MailSync.BatchLimit)
	}
	if c.Storage.Backend != "s3" {
		t.Errorf("Backend = %q", c.Storage.Backend)
	}
	if c.MailSync.RefreshWindow != 5*time.Minute {
		t.Errorf("RefreshWindow = %s, default not applied", c.MailSync.RefreshWindow)
	}
	if c.Redis.LockTTL != 10*time.Minute {
		t.Errorf("LockTTL = %s", c.Redis.LockTTL)
	}
	if c.Storage.Offload.MaxInlineBytes != 64*1024 {
		t.Errorf("MaxInlineBytes = %d", c.Storage.Offload.MaxInlineBytes)
	}
}
