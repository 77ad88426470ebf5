package app

import (
	"context"
	"time"

	"corenexus/internal/service/web"
	"corenexus/internal/shared/logger"
	"corenexus/internal/shared/subscription"
)

// Subscriptions returns the stored subscriptions and the current id.
func (s *AppServer) Subscriptions() ([]subscription.Subscription, string, error) {
	list, err := s.subs.List()
	if err != nil {
		return nil, "", err
	}
	return list, s.subs.CurrentID(), nil
}

// SelectSubscription 切换当前订阅。新配置在下次启动（或重启）核心时生效。
func (s *AppServer) SelectSubscription(id string) error {
	if err := s.subs.Select(id); err != nil {
		return err
	}
	logger.Info().Str("subscription", id).Msg("[AppServer] Current subscription changed.")
	return nil
}

// DownloadSubscription 下载订阅配置并写入订阅列表。
// core 模式经由核心的 mixed-port 下载，核心需处于运行状态。
func (s *AppServer) DownloadSubscription(ctx context.Context, req web.DownloadRequest) (subscription.Subscription, error) {
	mode, err := subscription.ParseProxyMode(req.Mode)
	if err != nil {
		return subscription.Subscription{}, err
	}
	_, port := s.sysProxy.Endpoint()
	timeout := time.Duration(req.Timeout) * time.Second

	d, err := subscription.Download(ctx, req.URL, mode, req.UserAgent, timeout, port)
	if err != nil {
		logger.Warn().Err(err).Str("url", req.URL).Msg("[AppServer] Subscription download failed.")
		return subscription.Subscription{}, err
	}
	sub, err := s.subs.Save(subscription.Subscription{ID: req.ID, Name: req.Name, URL: req.URL, Info: d.Info}, d.Content)
	if err != nil {
		return subscription.Subscription{}, err
	}
	logger.Info().Str("subscription", sub.ID).Str("name", sub.Name).Msg("[AppServer] Subscription saved.")

	if req.Select && sub.ID != s.subs.CurrentID() {
		if err := s.SelectSubscription(sub.ID); err != nil {
			return sub, err
		}
	} else {
		// 当前订阅的配置文件可能刚刚出现
		s.state.SetHasActiveSubscription(s.subs.HasActive())
	}
	return sub, nil
}

// CreateBackup writes a snapshot of the persisted stores. An empty target
// uses the default location under the data directory.
func (s *AppServer) CreateBackup(target string) (string, error) {
	return s.backup.CreateBackup(target)
}

// RestoreBackup replaces the persisted stores; the state hub reloads afterwards.
func (s *AppServer) RestoreBackup(path string) error {
	return s.backup.RestoreBackup(path)
}
