package logger

import (
	"bytes"
	"encoding/json"
	"testing"
)

// TestSetup_OutputsJSON はログ出力がJSON形式であることを検証する。
func TestSetup_OutputsJSON(t *testing.T) {
	var buf bytes.Buffer
	log := Setup(&buf)

	log.Info("起動しました", "port", "8080")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("ログ出力がJSONではありません: %v", err)
	}
	if entry["msg"] != "起動しました" {
		t.Errorf("msg = %v", entry["msg"])
	}
	if entry["port"] != "8080" {
		t.Errorf("port = %v", entry["port"])
	}
	if entry["level"] != "INFO" {
		t.Errorf("level = %v", entry["level"])
	}
}

// TestSetup_DebugSuppressed はInfoレベル未満のログが抑制されることを検証する。
func TestSetup_DebugSuppressed(t *testing.T) {
	var buf bytes.Buffer
	log := Setup(&buf)

	log.Debug("デバッグメッセージ")

	if buf.Len() != 0 {
		t.Errorf("Debugログが出力されています: %s", buf.String())
	}
}
