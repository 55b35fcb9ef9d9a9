package auction

import "github.com/redis/go-redis/v9"

// AdmitScript 用於原子性地預留出價領先權
//  KEYS[1] - 拍賣的領先金額鍵
//  ARGV[1] - 新的出價金額
//  ARGV[2] - 鍵的過期秒數
//
// 返回值:
//  1  - 預留成功，領先金額已更新
//  0  - 出價金額不高於目前領先金額
//  -1 - 領先金額鍵不存在，需要先從資料庫回填
//  -2 - 拍賣已凍結，不再接受出價
//
// 流程:
//  - 1. 檢查領先金額鍵是否存在
//  - 2a. 如果不存在，返回-1
//  - 2b. 如果值為凍結標記，返回-2
//  - 3. 檢查新出價是否嚴格高於目前領先金額（相同金額視為失敗）
//  - 4a. 如果不高於，返回0
//  - 4b. 如果高於，更新領先金額並重設過期時間，返回1
var AdmitScript = redis.NewScript(`
-- 檢查領先金額鍵是否存在
local current = redis.call('GET', KEYS[1])
if current == false then
    return -1
end

-- 拍賣凍結後不再接受任何出價
if current == '-1' then
    return -2
end

-- 新出價必須嚴格高於目前領先金額
local new_bid = tonumber(ARGV[1])
if new_bid <= tonumber(current) then
    return 0
end

-- 預留領先權
redis.call('SET', KEYS[1], ARGV[1], 'EX', ARGV[2])

return 1
`)

// RollbackReservationScript 用於在付款授權失敗時撤銷領先權預留
//  KEYS[1] - 拍賣的領先金額鍵
//  ARGV[1] - 這次預留的金額
//  ARGV[2] - 預留前的領先金額，空字串代表預留前鍵不存在
//  ARGV[3] - 鍵的過期秒數
//
// 返回值:
//  1 - 預留已撤銷
//  0 - 領先金額已被其他出價更新，不需要撤銷
var RollbackReservationScript = redis.NewScript(`
-- 只有在領先金額仍是這次預留的金額時才需要還原
local current = redis.call('GET', KEYS[1])
if current ~= ARGV[1] then
    return 0
end

-- 預留前沒有領先金額時直接刪除，讓下一筆出價重新從資料庫回填
if ARGV[2] == '' then
    redis.call('DEL', KEYS[1])
    return 1
end

redis.call('SET', KEYS[1], ARGV[2], 'EX', ARGV[3])

return 1
`)

// frozenLeaderValue 是拍賣凍結後寫入領先金額鍵的標記值
const frozenLeaderValue = "-1"
