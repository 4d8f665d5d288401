package database

var schema = []string{
	`
CREATE TABLE IF NOT EXISTS users (
    id BIGINT PRIMARY KEY,
    username VARCHAR(255),
    first_name VARCHAR(255),
    last_name VARCHAR(255),
    free_quota INT NOT NULL DEFAULT 0,
    paid_quota INT NOT NULL DEFAULT 0,
    total_spent DECIMAL(18,6) NOT NULL DEFAULT 0,
    total_cashback DECIMAL(18,6) NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
    CHECK (free_quota >= 0),
    CHECK (paid_quota >= 0)
)`,
	`
CREATE TABLE IF NOT EXISTS user_sessions (
    user_id BIGINT PRIMARY KEY,
    state VARCHAR(40) NOT NULL,
    template_id VARCHAR(128) NOT NULL DEFAULT '',
    name VARCHAR(64) NOT NULL DEFAULT '',
    gender VARCHAR(16) NOT NULL DEFAULT '',
    package_id VARCHAR(32) NOT NULL DEFAULT '',
    email VARCHAR(255) NOT NULL DEFAULT '',
    order_id VARCHAR(64) NOT NULL DEFAULT '',
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
    FOREIGN KEY (user_id) REFERENCES users(id)
)`,
	`
CREATE TABLE IF NOT EXISTS referrals (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    referrer_id BIGINT NOT NULL,
    referred_id BIGINT NOT NULL,
    kind VARCHAR(16) NOT NULL,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE KEY uniq_referral (referrer_id, referred_id, kind),
    FOREIGN KEY (referrer_id) REFERENCES users(id),
    FOREIGN KEY (referred_id) REFERENCES users(id)
)`,
	`
CREATE TABLE IF NOT EXISTS expert_links (
    payer_id BIGINT PRIMARY KEY,
    expert_id BIGINT NOT NULL,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (payer_id) REFERENCES users(id),
    FOREIGN KEY (expert_id) REFERENCES users(id)
)`,
	`
CREATE TABLE IF NOT EXISTS orders (
    id VARCHAR(64) PRIMARY KEY,
    user_id BIGINT NOT NULL,
    package_id VARCHAR(32) NOT NULL,
    amount DECIMAL(18,6) NOT NULL,
    currency VARCHAR(16) NOT NULL,
    method VARCHAR(16) NOT NULL,
    status VARCHAR(16) NOT NULL,
    provider_payment_id VARCHAR(128),
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    paid_at DATETIME NULL,
    KEY idx_orders_user (user_id),
    KEY idx_orders_provider (provider_payment_id),
    FOREIGN KEY (user_id) REFERENCES users(id)
)`,
	`
CREATE TABLE IF NOT EXISTS generations (
    id VARCHAR(64) PRIMARY KEY,
    user_id BIGINT NOT NULL,
    template_id VARCHAR(128) NOT NULL,
    template_name VARCHAR(255) NOT NULL,
    prompt TEXT NOT NULL,
    name VARCHAR(64) NOT NULL,
    gender VARCHAR(16) NOT NULL,
    status VARCHAR(16) NOT NULL,
    video_url TEXT,
    error TEXT,
    operation VARCHAR(255),
    refunded TINYINT(1) NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
    KEY idx_generations_user (user_id),
    KEY idx_generations_status (status),
    FOREIGN KEY (user_id) REFERENCES users(id)
)`,
	`
CREATE TABLE IF NOT EXISTS cashbacks (
    id VARCHAR(64) PRIMARY KEY,
    order_id VARCHAR(64) NOT NULL,
    expert_id BIGINT NOT NULL,
    payer_user_id BIGINT NOT NULL,
    amount DECIMAL(18,6) NOT NULL,
    original_amount DECIMAL(18,6) NOT NULL,
    percent INT NOT NULL,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE KEY uniq_cashback_order (order_id),
    KEY idx_cashbacks_expert (expert_id),
    FOREIGN KEY (expert_id) REFERENCES users(id)
)`,
}
